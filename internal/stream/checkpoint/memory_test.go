package checkpoint

import (
	"bytes"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func mustMarshal(t *testing.T, doc bson.M) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()

	// Missing key yields nil without error
	token, err := store.GetCheckpoint("events")
	if err != nil {
		t.Fatalf("get on empty store: %v", err)
	}
	if token != nil {
		t.Errorf("expected nil token for missing key, got %v", token)
	}

	saved := mustMarshal(t, bson.M{"_data": "resume-token-1"})
	if err := store.SaveCheckpoint("events", saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	token, err = store.GetCheckpoint("events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(token, saved) {
		t.Error("expected saved token back unchanged")
	}

	// Overwrite with a newer token
	newer := mustMarshal(t, bson.M{"_data": "resume-token-2"})
	if err := store.SaveCheckpoint("events", newer); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	token, _ = store.GetCheckpoint("events")
	if !bytes.Equal(token, newer) {
		t.Error("expected overwritten token back")
	}
}

func TestMemoryStore_CopiesTokens(t *testing.T) {
	store := NewMemoryStore()

	original := mustMarshal(t, bson.M{"_data": "token"})
	if err := store.SaveCheckpoint("k", original); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's slice must not affect the stored copy
	original[0] ^= 0xFF
	stored, _ := store.GetCheckpoint("k")
	if bytes.Equal(stored, original) {
		t.Error("store must hold its own copy of the token")
	}

	// Mutating a returned token must not affect subsequent reads
	stored[0] ^= 0xFF
	again, _ := store.GetCheckpoint("k")
	if bytes.Equal(again, stored) {
		t.Error("returned tokens must be copies")
	}
}

func TestMemoryStore_DeleteAndClear(t *testing.T) {
	store := NewMemoryStore()
	raw := mustMarshal(t, bson.M{"_data": "t"})

	store.SaveCheckpoint("a", raw)
	store.SaveCheckpoint("b", raw)

	if err := store.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if token, _ := store.GetCheckpoint("a"); token != nil {
		t.Error("expected deleted key to be gone")
	}
	if token, _ := store.GetCheckpoint("b"); token == nil {
		t.Error("expected other key to survive delete")
	}

	store.Clear()
	if token, _ := store.GetCheckpoint("b"); token != nil {
		t.Error("expected clear to drop all checkpoints")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	raw := mustMarshal(t, bson.M{"_data": "t"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.SaveCheckpoint("shared", raw)
				store.GetCheckpoint("shared")
			}
		}()
	}
	wg.Wait()

	if token, _ := store.GetCheckpoint("shared"); token == nil {
		t.Error("expected checkpoint present after concurrent writes")
	}
}
