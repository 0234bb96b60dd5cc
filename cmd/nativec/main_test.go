package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/nativec/internal/tree"
)

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func printTree(exit int64) *tree.Tree {
	b := tree.NewBuilder()
	b.Func("main", "main", nil, b.Print(b.Str("hello")), b.Return(b.Int(exit)))
	return b.Build()
}

func TestInterpretTree(t *testing.T) {
	var out bytes.Buffer
	if err := interpretTree(&out, printTree(0)); err != nil {
		t.Fatalf("interpretTree: %v", err)
	}
	if out.String() != "hello" {
		t.Fatalf("stdout=%q, want hello", out.String())
	}

	out.Reset()
	err := interpretTree(&out, printTree(300))
	var exitErr *exitError
	if !errors.As(err, &exitErr) || exitErr.code != 44 {
		t.Fatalf("err=%v, want exit status 44", err)
	}
}

func TestInterpretTreeReportsWriteError(t *testing.T) {
	cause := errors.New("broken pipe")
	err := interpretTree(failingWriter{err: cause}, printTree(0))
	if !errors.Is(err, cause) {
		t.Fatalf("err=%v, want %v", err, cause)
	}
}
