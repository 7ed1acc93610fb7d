package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/chkmate/server/internal/domain"
)

func TestLegalMovesStartingPosition(t *testing.T) {
	v := NewValidator()
	moves, err := v.LegalMoves(StartingFEN)
	if err != nil {
		t.Fatalf("LegalMoves() error: %v", err)
	}
	if len(moves) != 20 {
		t.Fatalf("starting position has %d legal moves, want 20", len(moves))
	}
}

func TestApplyMove(t *testing.T) {
	v := NewValidator()

	res, err := v.ApplyMove(StartingFEN, "e2e4")
	if err != nil {
		t.Fatalf("ApplyMove(e2e4) error: %v", err)
	}
	if res.SAN != "e4" {
		t.Fatalf("SAN = %q, want %q", res.SAN, "e4")
	}
	if !strings.Contains(res.FEN, " b ") {
		t.Fatalf("turn did not pass to black in %q", res.FEN)
	}
	if res.Check || res.Checkmate || res.Draw {
		t.Fatalf("quiet opening move flagged as %+v", res)
	}
}

func TestApplyMoveIllegal(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		uci  string
	}{
		{"pawn three squares", "e2e5"},
		{"moving opponent piece", "e7e5"},
		{"empty square", "e4e5"},
		{"garbage", "zz99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ApplyMove(StartingFEN, tt.uci)
			if !errors.Is(err, domain.ErrIllegalMove) {
				t.Fatalf("ApplyMove(%q) error = %v, want ErrIllegalMove", tt.uci, err)
			}
		})
	}
}

func TestApplyMoveCheck(t *testing.T) {
	v := NewValidator()

	// Rook slides to the e-file and checks the black king.
	res, err := v.ApplyMove("4k3/8/8/8/8/8/3R4/4K3 w - - 0 1", "d2e2")
	if err != nil {
		t.Fatalf("ApplyMove() error: %v", err)
	}
	if !res.Check {
		t.Fatal("rook check not detected")
	}
	if res.Checkmate {
		t.Fatal("check misreported as mate")
	}

	report, err := v.Evaluate(res.FEN)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !report.Check || report.Terminal() {
		t.Fatalf("report = %+v, want check and not terminal", report)
	}
}

func TestApplyMoveCheckmate(t *testing.T) {
	v := NewValidator()

	// Fool's mate.
	fen := StartingFEN
	for _, uci := range []string{"f2f3", "e7e5", "g2g4"} {
		res, err := v.ApplyMove(fen, uci)
		if err != nil {
			t.Fatalf("ApplyMove(%q) error: %v", uci, err)
		}
		fen = res.FEN
	}

	res, err := v.ApplyMove(fen, "d8h4")
	if err != nil {
		t.Fatalf("ApplyMove(d8h4) error: %v", err)
	}
	if !res.Checkmate {
		t.Fatal("fool's mate not detected")
	}
	if res.SAN != "Qh4#" {
		t.Fatalf("SAN = %q, want %q", res.SAN, "Qh4#")
	}
}

func TestApplyMoveStalemate(t *testing.T) {
	v := NewValidator()

	// Qf7 leaves the cornered king no move and no check.
	res, err := v.ApplyMove("7k/4Q3/6K1/8/8/8/8/8 w - - 0 1", "e7f7")
	if err != nil {
		t.Fatalf("ApplyMove() error: %v", err)
	}
	if !res.Draw || !res.Stalemate {
		t.Fatalf("result = %+v, want stalemate draw", res)
	}
	if res.Checkmate || res.Check {
		t.Fatalf("stalemate misreported as check: %+v", res)
	}
}

func TestApplyMovePromotionDefaultsToQueen(t *testing.T) {
	v := NewValidator()

	res, err := v.ApplyMove("8/P7/8/8/8/8/k7/4K3 w - - 0 1", "a7a8")
	if err != nil {
		t.Fatalf("ApplyMove(a7a8) error: %v", err)
	}
	if !strings.HasPrefix(res.FEN, "Q7") {
		t.Fatalf("promotion did not produce a queen: %q", res.FEN)
	}
	if res.SAN != "a8=Q+" {
		t.Fatalf("SAN = %q, want %q", res.SAN, "a8=Q+")
	}
}

func TestEvaluateTurn(t *testing.T) {
	v := NewValidator()

	report, err := v.Evaluate(StartingFEN)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if report.Turn != White {
		t.Fatalf("Turn = %q, want %q", report.Turn, White)
	}

	res, err := v.ApplyMove(StartingFEN, "e2e4")
	if err != nil {
		t.Fatalf("ApplyMove() error: %v", err)
	}
	report, err = v.Evaluate(res.FEN)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if report.Turn != Black {
		t.Fatalf("Turn = %q, want %q", report.Turn, Black)
	}
}

func TestColorOther(t *testing.T) {
	if White.Other() != Black || Black.Other() != White {
		t.Fatal("Other() should flip colors")
	}
}
