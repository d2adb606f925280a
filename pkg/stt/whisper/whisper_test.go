package whisper_test

import (
	"testing"

	"github.com/chorushq/chorus/pkg/stt/whisper"
)

func TestNew_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := whisper.New(""); err == nil {
		t.Fatal("New(\"\") should return an error")
	}
}

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()

	if _, err := whisper.New("testdata/does-not-exist.bin"); err == nil {
		t.Fatal("New with a missing model file should return an error")
	}
}

func TestVariant(t *testing.T) {
	t.Parallel()

	if whisper.Variant != "cpu" && whisper.Variant != "cuda" {
		t.Fatalf("Variant = %q, want cpu or cuda", whisper.Variant)
	}
}
