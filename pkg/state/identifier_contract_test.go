package state_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-scene/pkg/state"
)

// identifierCase maps one layer identifier to its storage key and to the
// slash-separated file below a FileStore root. Err is set for identifiers
// that cannot be stored.
type identifierCase struct {
	Name  string `json:"name"`
	Layer string `json:"layer"`
	Key   string `json:"key"`
	File  string `json:"file"`
	Err   string `json:"err"`
}

func TestLayerIdentifierKeys(t *testing.T) {
	root := t.TempDir()
	store := state.NewFileStore(root)

	for _, tc := range identifierCases(t) {
		t.Run(tc.Name, func(t *testing.T) {
			ref := state.Ref{Layer: tc.Layer}
			key, err := ref.Identifier()
			_, pathErr := store.Path(ref)

			if tc.Err != "" {
				if err == nil || err.Error() != tc.Err {
					t.Fatalf("expected error %q, got %v", tc.Err, err)
				}
				if !errors.Is(err, state.ErrInvalidRef) || !errors.Is(pathErr, state.ErrInvalidRef) {
					t.Fatalf("expected ErrInvalidRef from Identifier and Path, got %v / %v", err, pathErr)
				}
				return
			}
			if err != nil || pathErr != nil {
				t.Fatalf("unexpected errors %v / %v", err, pathErr)
			}
			if key != tc.Key {
				t.Fatalf("expected key %q, got %q", tc.Key, key)
			}
		})
	}
}

func TestFileStorePathsStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	store := state.NewFileStore(root)

	for _, tc := range identifierCases(t) {
		if tc.Err != "" {
			continue
		}
		t.Run(tc.Name, func(t *testing.T) {
			file, err := store.Path(state.Ref{Layer: tc.Layer})
			if err != nil {
				t.Fatalf("path: %v", err)
			}
			if want := filepath.Join(root, filepath.FromSlash(tc.File)); file != want {
				t.Fatalf("expected %q, got %q", want, file)
			}
			id, ok := store.Identifier(file)
			if !ok || id != tc.File {
				t.Fatalf("expected identifier %q back, got %q (%v)", tc.File, id, ok)
			}
		})
	}

	if _, ok := store.Identifier(filepath.Join(root, "..", "outside.yaml")); ok {
		t.Fatalf("files outside the root have no identifier")
	}
	if _, ok := store.Identifier(root); ok {
		t.Fatalf("the root itself has no identifier")
	}
}

func identifierCases(t *testing.T) []identifierCase {
	t.Helper()
	name := filepath.Join("testdata", "state_identifier.json")
	raw, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	var fx struct {
		Cases []identifierCase `json:"cases"`
	}
	if err := json.Unmarshal(raw, &fx); err != nil {
		t.Fatalf("unmarshal %s: %v", name, err)
	}
	return fx.Cases
}
