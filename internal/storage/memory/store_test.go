package memory

import (
	"context"
	"testing"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
	"github.com/bcnelson/fellowship/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage { return New() })
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	g := &domain.Group{ID: "g1", Title: "Choir", Status: domain.GroupApproved, ChurchIDs: []string{"c1"}}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	g.ChurchIDs[0] = "mutated"

	got, _ := s.GetGroup(ctx, "g1")
	if got.ChurchIDs[0] != "c1" {
		t.Errorf("store shares caller slice: %v", got.ChurchIDs)
	}
	got.Title = "changed"
	again, _ := s.GetGroup(ctx, "g1")
	if again.Title != "Choir" {
		t.Errorf("store shares returned value: %q", again.Title)
	}
}
