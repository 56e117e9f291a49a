package record

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medseal/medseal/internal/domain/audit"
	"github.com/medseal/medseal/internal/platform/signing"
)

const testSeed = "8f2a1d9c4b7e6a3f0d5c8b2e9a6f1d4c7b0e3a8d5f2c9b6e1a4d7f0c3b8e5a2d"

type testEnv struct {
	svc       *Service
	repo      *RepoMem
	auditRepo *audit.RepoMem
	auditSvc  *audit.Service
	signer    *signing.Signer
}

func newTestEnv(t *testing.T, policy AmendmentPolicy) *testEnv {
	t.Helper()
	keys, err := signing.NewStaticKeyProvider(testSeed)
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	signer := signing.NewSigner(keys)
	repo := NewRepoMem()
	auditRepo := audit.NewRepoMem()
	auditSvc := audit.NewService(auditRepo, "global", zerolog.Nop())
	svc := NewService(repo, auditSvc, signer, signing.NewTimestampService(nil), policy, zerolog.Nop())
	return &testEnv{svc: svc, repo: repo, auditRepo: auditRepo, auditSvc: auditSvc, signer: signer}
}

func testActor() Actor {
	id := uuid.New()
	return Actor{ID: &id, IPAddress: "10.0.0.1", UserAgent: "test-agent", Path: "/api/v1/records"}
}

func str(s string) *string { return &s }

func mustCreate(t *testing.T, env *testEnv, content *string) *ClinicalRecord {
	t.Helper()
	rec, err := env.svc.Create(context.Background(), CreateInput{
		VisitRef: "visit-001",
		Content:  content,
	}, testActor())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestCreate_StartsAtVersionOne(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	rec := mustCreate(t, env, str("initial note"))

	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if rec.Confirmed {
		t.Error("new record must be unconfirmed")
	}

	history, err := env.svc.History(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ChangeType != ChangeCreate || history[0].ResultingVersion != 1 {
		t.Errorf("unexpected history: %+v", history)
	}
	if history[0].BeforeContent != nil {
		t.Error("CREATE history must have nil before content")
	}
}

func TestCreate_RequiresVisitRef(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	_, err := env.svc.Create(context.Background(), CreateInput{VisitRef: "  "}, testActor())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestMutate_IncrementsVersionAndChainsHistory(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("v1 content"))

	updated, err := env.svc.Mutate(ctx, rec.ID, str("v2 content"), testActor(), "typo fix")
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	history, err := env.svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	h := history[1]
	if h.ChangeType != ChangeUpdate || h.ResultingVersion != 2 {
		t.Errorf("unexpected history entry: %+v", h)
	}
	if h.BeforeContent == nil || *h.BeforeContent != "v1 content" {
		t.Errorf("before content = %v, want v1 content", h.BeforeContent)
	}
	if h.AfterContent == nil || *h.AfterContent != "v2 content" {
		t.Errorf("after content = %v, want v2 content", h.AfterContent)
	}
	if h.ChangeReason != "typo fix" {
		t.Errorf("reason = %q", h.ChangeReason)
	}
}

func TestMutate_NotFound(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	_, err := env.svc.Mutate(context.Background(), uuid.New(), str("x"), testActor(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMutate_DeletedRecord(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("content"))

	if err := env.svc.SoftDelete(ctx, rec.ID, testActor(), "cleanup"); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.Mutate(ctx, rec.ID, str("x"), testActor(), "")
	if !errors.Is(err, ErrRecordDeleted) {
		t.Fatalf("expected ErrRecordDeleted, got %v", err)
	}
}

func TestConfirm_SignsAndLocksSnapshot(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	actor := testActor()
	rec := mustCreate(t, env, str("final note"))

	confirmed, err := env.svc.Confirm(ctx, rec.ID, actor)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.Confirmed {
		t.Error("record not marked confirmed")
	}
	if confirmed.Version != 2 {
		t.Errorf("version = %d, want 2", confirmed.Version)
	}
	if confirmed.ConfirmedBy == nil || *confirmed.ConfirmedBy != *actor.ID {
		t.Error("confirmed_by not set to actor")
	}
	if confirmed.Signature == nil {
		t.Fatal("no signature proof")
	}
	if confirmed.TimestampProof == nil {
		t.Fatal("no timestamp proof")
	}
	if confirmed.TimestampProof.Source != signing.TimestampSourceSystem {
		t.Errorf("timestamp source = %s, want SYSTEM", confirmed.TimestampProof.Source)
	}
	if !env.signer.Verify(confirmed.Signature) {
		t.Error("signature does not verify")
	}

	// The signed hash covers the confirmed snapshot.
	want, err := signing.ContentHash(confirmed.Signable())
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Signature.ContentHash != want {
		t.Errorf("content hash = %s, want %s", confirmed.Signature.ContentHash, want)
	}
}

func TestConfirm_AlreadyConfirmed(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("note"))

	if _, err := env.svc.Confirm(ctx, rec.ID, testActor()); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.Confirm(ctx, rec.ID, testActor())
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected ErrAlreadyConfirmed, got %v", err)
	}
}

func TestConfirm_NoSigningKeyAbortsCleanly(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("note"))

	unsignable := NewService(env.repo, env.auditSvc, signing.NewSigner(nil),
		signing.NewTimestampService(nil), PolicyAmend, zerolog.Nop())

	_, err := unsignable.Confirm(ctx, rec.ID, testActor())
	if !errors.Is(err, signing.ErrSigningKeyUnavailable) {
		t.Fatalf("expected ErrSigningKeyUnavailable, got %v", err)
	}

	// The aborted confirmation must leave no partial state.
	got, err := env.repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confirmed || got.Version != 1 {
		t.Errorf("partial state after aborted confirm: confirmed=%v version=%d", got.Confirmed, got.Version)
	}
	history, _ := env.repo.ListHistory(ctx, rec.ID)
	for _, h := range history {
		if h.ChangeType == ChangeConfirm {
			t.Error("CONFIRM history written despite aborted confirmation")
		}
	}
}

func TestMutateConfirmed_AmendPolicy(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("signed content"))

	confirmed, err := env.svc.Confirm(ctx, rec.ID, testActor())
	if err != nil {
		t.Fatal(err)
	}
	proof := confirmed.Signature

	amended, err := env.svc.Mutate(ctx, rec.ID, str("amended content"), testActor(), "administrative correction")
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Confirmed {
		t.Error("amended record should be a draft again")
	}
	if amended.Version != 3 {
		t.Errorf("version = %d, want 3", amended.Version)
	}
	if amended.Signature == nil {
		t.Error("stored signature proof must survive amendment")
	}

	// The amendment is audited at escalated severity.
	entries, _, err := env.auditSvc.SearchEntries(ctx, map[string]string{"action": "UPDATE"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d UPDATE audit entries, want 1", len(entries))
	}
	if entries[0].Severity != audit.SeverityWarning {
		t.Errorf("amendment severity = %s, want WARNING", entries[0].Severity)
	}

	// The old proof still verifies: it attests to historical content.
	if !env.signer.Verify(proof) {
		t.Error("historical signature proof stopped verifying after amendment")
	}
}

func TestMutateConfirmed_LockedPolicy(t *testing.T) {
	env := newTestEnv(t, PolicyLocked)
	ctx := context.Background()
	rec := mustCreate(t, env, str("signed content"))

	if _, err := env.svc.Confirm(ctx, rec.ID, testActor()); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.Mutate(ctx, rec.ID, str("tweak"), testActor(), "")
	if !errors.Is(err, ErrRecordLocked) {
		t.Fatalf("expected ErrRecordLocked, got %v", err)
	}
}

func TestSignatureStability_AcrossLaterEdits(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()

	// create (v1) -> mutate "A" (v2) -> confirm (v3) -> mutate "B" (v4)
	rec := mustCreate(t, env, nil)
	if _, err := env.svc.Mutate(ctx, rec.ID, str("A"), testActor(), ""); err != nil {
		t.Fatal(err)
	}
	confirmed, err := env.svc.Confirm(ctx, rec.ID, testActor())
	if err != nil {
		t.Fatal(err)
	}
	proof := confirmed.Signature
	live, err := env.svc.Mutate(ctx, rec.ID, str("B"), testActor(), "")
	if err != nil {
		t.Fatal(err)
	}
	if live.Version != 4 {
		t.Fatalf("version = %d, want 4", live.Version)
	}

	// The stored proof still verifies.
	if !env.signer.Verify(proof) {
		t.Error("stored signature proof should verify after later edits")
	}

	// A live-content hash no longer matches the signed one.
	liveHash, err := signing.ContentHash(live.Signable())
	if err != nil {
		t.Fatal(err)
	}
	if liveHash == proof.ContentHash {
		t.Error("live content hash should differ from the signed snapshot")
	}
}

func TestSoftDelete_Idempotent(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("content"))

	if err := env.svc.SoftDelete(ctx, rec.ID, testActor(), "duplicate entry"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := env.svc.SoftDelete(ctx, rec.ID, testActor(), "again"); err != nil {
		t.Fatalf("second delete should be a no-op success: %v", err)
	}

	got, err := env.repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SoftDeleted || got.DeletedAt == nil {
		t.Error("record not marked deleted")
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2 (single increment)", got.Version)
	}

	history, err := env.repo.ListHistory(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	deletes := 0
	for _, h := range history {
		if h.ChangeType == ChangeDelete {
			deletes++
			if h.AfterContent != nil {
				t.Error("DELETE history must have nil after content")
			}
		}
	}
	if deletes != 1 {
		t.Errorf("got %d DELETE history entries, want exactly 1", deletes)
	}
}

func TestMutate_RetriesVersionConflict(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("content"))

	env.repo.FailNextUpdates(2)
	updated, err := env.svc.Mutate(ctx, rec.ID, str("new"), testActor(), "")
	if err != nil {
		t.Fatalf("mutate should succeed after retries: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
}

func TestMutate_SurfacesPersistentConflict(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("content"))

	env.repo.FailNextUpdates(mutateRetries + 2)
	_, err := env.svc.Mutate(ctx, rec.ID, str("new"), testActor(), "")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConcurrentMutations_GapFreeVersions(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()
	rec := mustCreate(t, env, str("base"))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			content := strings.Repeat("x", n+1)
			if _, err := env.svc.Mutate(ctx, rec.ID, &content, testActor(), ""); err != nil {
				t.Errorf("worker %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	history, err := env.repo.ListHistory(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != workers+1 {
		t.Fatalf("history length = %d, want %d", len(history), workers+1)
	}
	for i, h := range history {
		if h.ResultingVersion != i+1 {
			t.Fatalf("history[%d].ResultingVersion = %d, want %d", i, h.ResultingVersion, i+1)
		}
	}
	// Entry n's after content equals entry n+1's before content.
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1].AfterContent, history[i].BeforeContent
		switch {
		case prev == nil && cur == nil:
		case prev == nil || cur == nil, *prev != *cur:
			t.Fatalf("history continuity broken between versions %d and %d",
				history[i-1].ResultingVersion, history[i].ResultingVersion)
		}
	}

	got, err := env.repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != workers+1 {
		t.Errorf("final version = %d, want %d", got.Version, workers+1)
	}
}

func TestMutationsLeaveChainedAuditTrail(t *testing.T) {
	env := newTestEnv(t, PolicyAmend)
	ctx := context.Background()

	rec := mustCreate(t, env, str("a"))
	if _, err := env.svc.Mutate(ctx, rec.ID, str("b"), testActor(), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Confirm(ctx, rec.ID, testActor()); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.SoftDelete(ctx, rec.ID, testActor(), "done"); err != nil {
		t.Fatal(err)
	}

	report, err := env.auditSvc.VerifyChain(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("audit chain invalid after record lifecycle, diverged at %v", report.FirstDivergingSeq)
	}
	if report.CheckedTo != 4 {
		t.Errorf("chain length = %d, want 4 (CREATE, UPDATE, CONFIRM, DELETE)", report.CheckedTo)
	}
}
