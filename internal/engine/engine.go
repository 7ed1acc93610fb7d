// Package engine wraps a chess rules engine behind a small validator
// interface so the match service never touches move generation directly.
package engine

import (
	"fmt"

	"github.com/notnil/chess"

	"github.com/chkmate/server/internal/domain"
)

// StartingFEN is the standard initial position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Color identifies a side of the board.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Result describes the position after a move was applied.
type Result struct {
	FEN       string
	SAN       string
	Checkmate bool
	Stalemate bool
	Draw      bool
	// Check is true when the side to move in FEN is in check.
	Check bool
}

// Report describes a position without applying a move.
type Report struct {
	Turn      Color
	Checkmate bool
	Stalemate bool
	Draw      bool
	Check     bool
}

// Terminal reports whether the position ends the game.
func (r Report) Terminal() bool {
	return r.Checkmate || r.Stalemate || r.Draw
}

// Validator checks and applies moves against a position.
type Validator interface {
	// ApplyMove applies a UCI move to a FEN position. It returns
	// domain.ErrIllegalMove when the move is not legal in the position.
	ApplyMove(fen, uci string) (Result, error)
	// LegalMoves returns every legal move in UCI notation.
	LegalMoves(fen string) ([]string, error)
	// Evaluate reports whose turn it is and whether the game is over.
	Evaluate(fen string) (Report, error)
}

// Notnil is a Validator backed by the notnil/chess move generator.
type Notnil struct{}

// NewValidator returns the default chess validator.
func NewValidator() *Notnil {
	return &Notnil{}
}

func loadGame(fen string) (*chess.Game, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parsing position: %w", err)
	}
	return chess.NewGame(opt), nil
}

// ApplyMove implements Validator.
func (n *Notnil) ApplyMove(fen, uci string) (Result, error) {
	game, err := loadGame(fen)
	if err != nil {
		return Result{}, err
	}
	pos := game.Position()

	mv, err := chess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		// Clients that drag a pawn to the last rank send a 4-char
		// move with no promotion piece. Retry as a queen promotion
		// before rejecting.
		if len(uci) == 4 && (uci[3] == '1' || uci[3] == '8') {
			mv, err = chess.UCINotation{}.Decode(pos, uci+"q")
		}
		if err != nil {
			return Result{}, fmt.Errorf("%w: %s", domain.ErrIllegalMove, uci)
		}
	}

	san := chess.AlgebraicNotation{}.Encode(pos, mv)
	if err := game.Move(mv); err != nil {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrIllegalMove, uci)
	}

	next := game.Position()
	res := Result{
		FEN:   next.String(),
		SAN:   san,
		Check: inCheck(next),
	}
	switch game.Outcome() {
	case chess.WhiteWon, chess.BlackWon:
		res.Checkmate = game.Method() == chess.Checkmate
	case chess.Draw:
		res.Draw = true
		res.Stalemate = game.Method() == chess.Stalemate
	}
	return res, nil
}

// LegalMoves implements Validator.
func (n *Notnil) LegalMoves(fen string) ([]string, error) {
	game, err := loadGame(fen)
	if err != nil {
		return nil, err
	}
	pos := game.Position()
	moves := game.ValidMoves()
	out := make([]string, 0, len(moves))
	for _, mv := range moves {
		out = append(out, chess.UCINotation{}.Encode(pos, mv))
	}
	return out, nil
}

// Evaluate implements Validator.
func (n *Notnil) Evaluate(fen string) (Report, error) {
	game, err := loadGame(fen)
	if err != nil {
		return Report{}, err
	}
	pos := game.Position()

	r := Report{Turn: White, Check: inCheck(pos)}
	if pos.Turn() == chess.Black {
		r.Turn = Black
	}
	switch game.Outcome() {
	case chess.WhiteWon, chess.BlackWon:
		r.Checkmate = game.Method() == chess.Checkmate
	case chess.Draw:
		r.Draw = true
		r.Stalemate = game.Method() == chess.Stalemate
	}
	return r, nil
}

// inCheck reports whether the side to move has its king attacked. The
// generator does not export a check predicate, so attacks are probed
// directly against the board.
func inCheck(pos *chess.Position) bool {
	turn := pos.Turn()
	board := pos.Board().SquareMap()
	kingSq := chess.NoSquare
	for sq, p := range board {
		if p.Type() == chess.King && p.Color() == turn {
			kingSq = sq
			break
		}
	}
	if kingSq == chess.NoSquare {
		return false
	}
	return squareAttacked(board, kingSq, turn.Other())
}

func squareAttacked(board map[chess.Square]chess.Piece, target chess.Square, by chess.Color) bool {
	tf, tr := int(target.File()), int(target.Rank())
	for sq, p := range board {
		if p.Color() != by {
			continue
		}
		df := tf - int(sq.File())
		dr := tr - int(sq.Rank())
		switch p.Type() {
		case chess.Pawn:
			dir := 1
			if by == chess.Black {
				dir = -1
			}
			if dr == dir && (df == 1 || df == -1) {
				return true
			}
		case chess.Knight:
			if df*df+dr*dr == 5 {
				return true
			}
		case chess.King:
			if df >= -1 && df <= 1 && dr >= -1 && dr <= 1 && (df != 0 || dr != 0) {
				return true
			}
		case chess.Bishop:
			if abs(df) == abs(dr) && rayClear(board, sq, target) {
				return true
			}
		case chess.Rook:
			if (df == 0 || dr == 0) && rayClear(board, sq, target) {
				return true
			}
		case chess.Queen:
			if (df == 0 || dr == 0 || abs(df) == abs(dr)) && rayClear(board, sq, target) {
				return true
			}
		}
	}
	return false
}

// rayClear reports whether every square strictly between from and to is
// empty. Both squares must share a rank, file, or diagonal.
func rayClear(board map[chess.Square]chess.Piece, from, to chess.Square) bool {
	df := sign(int(to.File()) - int(from.File()))
	dr := sign(int(to.Rank()) - int(from.Rank()))
	f := int(from.File()) + df
	r := int(from.Rank()) + dr
	for f != int(to.File()) || r != int(to.Rank()) {
		sq := chess.Square(r*8 + f)
		if _, occupied := board[sq]; occupied {
			return false
		}
		f += df
		r += dr
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
