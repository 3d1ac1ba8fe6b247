package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/aura/internal/memory"
)

// seedDemoUser writes a synthetic profile and a small memory graph so a
// fresh instance can serve turns for userID without any prior ingestion.
// Used by local runs and the turnload probe.
func seedDemoUser(ctx context.Context, store memory.ContextStore, embedder memory.Embedder, userID string) error {
	now := time.Now().UTC()

	if err := store.SaveProfile(ctx, memory.UserProfile{
		UserID:      userID,
		DisplayName: "Demo",
		Facts: []string{
			"training for a spring marathon",
			"prefers short, direct answers",
		},
		ViewContext: "demo workspace",
		UpdatedAt:   now,
	}); err != nil {
		return fmt.Errorf("seed profile: %w", err)
	}

	units := []memory.MemoryUnit{
		{
			Kind:           memory.KindMemoryUnit,
			Summary:        "Ran a personal-best 10k last month",
			Content:        "Finished the riverside 10k in 41:20, a personal best, and wants to carry that pace into marathon training.",
			Importance:     0.8,
			Entities:       []string{"running", "marathon"},
			LastReferenced: now.Add(-72 * time.Hour),
		},
		{
			Kind:           memory.KindMemoryUnit,
			Summary:        "Left knee gets sore after long runs",
			Content:        "Mentioned recurring left knee soreness after runs over 15k; physio suggested shorter strides.",
			Importance:     0.6,
			Entities:       []string{"running", "injury"},
			LastReferenced: now.Add(-240 * time.Hour),
		},
		{
			Kind:           memory.KindConcept,
			Summary:        "Goal: finish the spring marathon under four hours",
			Content:        "The standing goal for this training block is a sub-4:00 marathon in the spring.",
			Importance:     0.9,
			Entities:       []string{"marathon", "goals"},
			LastReferenced: now.Add(-24 * time.Hour),
		},
	}
	for _, u := range units {
		u.ID = uuid.NewString()
		u.UserID = userID
		u.CreatedAt = now
		emb, err := embedder.Embed(ctx, u.Summary+" "+u.Content)
		if err != nil {
			return fmt.Errorf("seed embedding: %w", err)
		}
		u.Embedding = emb
		if err := store.SaveMemoryUnit(ctx, u); err != nil {
			return fmt.Errorf("seed memory unit: %w", err)
		}
	}

	if err := store.LinkConcepts(ctx, userID, "running", "marathon", "part_of"); err != nil {
		return fmt.Errorf("seed concept link: %w", err)
	}
	if err := store.LinkConcepts(ctx, userID, "marathon", "goals", "motivates"); err != nil {
		return fmt.Errorf("seed concept link: %w", err)
	}

	return store.SaveConversationSummary(ctx, memory.ConversationSummary{
		ConversationID: uuid.NewString(),
		UserID:         userID,
		Summary:        "Talked through the week's training plan and easing off after knee soreness.",
		CreatedAt:      now.Add(-24 * time.Hour),
	})
}
