package integrity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medseal/medseal/internal/domain/audit"
	"github.com/medseal/medseal/internal/domain/record"
	"github.com/medseal/medseal/internal/platform/signing"
)

const testSeed = "4c8e1a7f3b9d5c2e8a0f6b4d1c7e9a3f5b8d0c2e6a4f8b1d3c5e7a9f0b2d4c6e"

type testEnv struct {
	svc        *Service
	recordSvc  *record.Service
	recordRepo *record.RepoMem
	auditRepo  *audit.RepoMem
	auditSvc   *audit.Service
	signer     *signing.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	keys, err := signing.NewStaticKeyProvider(testSeed)
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	signer := signing.NewSigner(keys)
	recordRepo := record.NewRepoMem()
	auditRepo := audit.NewRepoMem()
	auditSvc := audit.NewService(auditRepo, "global", zerolog.Nop())
	recordSvc := record.NewService(recordRepo, auditSvc, signer,
		signing.NewTimestampService(nil), record.PolicyAmend, zerolog.Nop())
	svc := NewService(recordRepo, auditSvc, signer, zerolog.Nop())
	return &testEnv{
		svc:        svc,
		recordSvc:  recordSvc,
		recordRepo: recordRepo,
		auditRepo:  auditRepo,
		auditSvc:   auditSvc,
		signer:     signer,
	}
}

func testActor() record.Actor {
	id := uuid.New()
	return record.Actor{ID: &id, IPAddress: "10.0.0.1", UserAgent: "test", Path: "/api/v1/records"}
}

func str(s string) *string { return &s }

func TestVerifyRecord_ConfirmedAndUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.recordSvc.Create(ctx, record.CreateInput{VisitRef: "v-1", Content: str("note")}, testActor())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.recordSvc.Confirm(ctx, rec.ID, testActor()); err != nil {
		t.Fatal(err)
	}

	report, err := env.svc.VerifyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.SignatureValid {
		t.Error("signature should verify")
	}
	if !report.TimestampValid {
		t.Error("timestamp should verify")
	}
	if !report.ChainValid {
		t.Error("chain should verify")
	}
	if !report.CurrentContentMatches {
		t.Error("live content should match the signed snapshot")
	}
}

func TestVerifyRecord_Unconfirmed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.recordSvc.Create(ctx, record.CreateInput{VisitRef: "v-1", Content: str("draft")}, testActor())
	if err != nil {
		t.Fatal(err)
	}

	report, err := env.svc.VerifyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.SignatureValid || report.TimestampValid {
		t.Error("unconfirmed record has no proofs to verify")
	}
	if !report.ChainValid {
		t.Error("chain should still verify")
	}
}

func TestVerifyRecord_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.VerifyRecord(context.Background(), uuid.New())
	if !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerifyRecord_TamperedChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.recordSvc.Create(ctx, record.CreateInput{VisitRef: "v-1", Content: str("note")}, testActor())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.recordSvc.Confirm(ctx, rec.ID, testActor()); err != nil {
		t.Fatal(err)
	}

	env.auditRepo.Tamper("global", 1, func(e *audit.Entry) { e.EntityID = "forged" })

	report, err := env.svc.VerifyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.ChainValid {
		t.Error("tampered chain reported valid")
	}
	if report.FirstDivergingEntryID == nil {
		t.Error("first diverging entry id not reported")
	}
	// Signature checks are independent of the ledger.
	if !report.SignatureValid {
		t.Error("signature should still verify")
	}
}

// The full lifecycle: create, edit, confirm, edit again. The stored proof
// attests "this exact content existed and was confirmed", distinct from "the
// record is unchanged since signing".
func TestVerifyRecord_EndToEndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := testActor()

	rec, err := env.recordSvc.Create(ctx, record.CreateInput{VisitRef: "v-42"}, actor)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 {
		t.Fatalf("version = %d, want 1", rec.Version)
	}

	if _, err := env.recordSvc.Mutate(ctx, rec.ID, str("A"), actor, ""); err != nil {
		t.Fatal(err)
	}
	confirmed, err := env.recordSvc.Confirm(ctx, rec.ID, actor)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Version != 3 {
		t.Fatalf("version after confirm = %d, want 3", confirmed.Version)
	}
	if _, err := env.recordSvc.Mutate(ctx, rec.ID, str("B"), actor, ""); err != nil {
		t.Fatal(err)
	}

	report, err := env.svc.VerifyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.SignatureValid {
		t.Error("stored proof must still verify after later edits")
	}
	if report.CurrentContentMatches {
		t.Error("live content must no longer match the signed snapshot")
	}
	if !report.ChainValid {
		t.Error("audit chain should be intact")
	}

	history, err := env.recordSvc.History(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []record.ChangeType{record.ChangeCreate, record.ChangeUpdate, record.ChangeConfirm, record.ChangeUpdate}
	if len(history) != len(wantTypes) {
		t.Fatalf("history length = %d, want %d", len(history), len(wantTypes))
	}
	for i, h := range history {
		if h.ChangeType != wantTypes[i] || h.ResultingVersion != i+1 {
			t.Errorf("history[%d] = %s v%d, want %s v%d", i, h.ChangeType, h.ResultingVersion, wantTypes[i], i+1)
		}
	}
}

func TestSelfAudit_CleanSystem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := env.recordSvc.Create(ctx, record.CreateInput{VisitRef: "v-1", Content: str("note")}, testActor())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.recordSvc.Confirm(ctx, rec.ID, testActor()); err != nil {
			t.Fatal(err)
		}
	}

	report, err := env.svc.SelfAudit(ctx)
	if err != nil {
		t.Fatalf("self audit: %v", err)
	}
	if !report.Chain.Valid {
		t.Error("chain should be valid")
	}
	if report.RecordsChecked != 3 || report.SignaturesChecked != 3 {
		t.Errorf("checked %d records / %d signatures, want 3 / 3",
			report.RecordsChecked, report.SignaturesChecked)
	}
	if len(report.InvalidSignatures) != 0 {
		t.Errorf("unexpected invalid signatures: %v", report.InvalidSignatures)
	}
}

func TestSelfAudit_ReportsForgedSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.recordSvc.Create(ctx, record.CreateInput{VisitRef: "v-1", Content: str("note")}, testActor())
	if err != nil {
		t.Fatal(err)
	}
	confirmed, err := env.recordSvc.Confirm(ctx, rec.ID, testActor())
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored signature out of band.
	forged := *confirmed
	forged.Signature.SignatureValue = "Zm9yZ2Vk"
	if err := env.recordRepo.Update(ctx, &forged, forged.Version); err != nil {
		t.Fatal(err)
	}

	report, err := env.svc.SelfAudit(ctx)
	if err != nil {
		t.Fatalf("self audit: %v", err)
	}
	if len(report.InvalidSignatures) != 1 || report.InvalidSignatures[0] != rec.ID {
		t.Errorf("invalid signatures = %v, want [%s]", report.InvalidSignatures, rec.ID)
	}
}
