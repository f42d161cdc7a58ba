package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresTypeAndSubject(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCampaignCreated}); err == nil {
		t.Fatalf("expected error without owner or actor")
	}
	if err := svc.Append(context.Background(), Event{OwnerID: "u"}); err == nil {
		t.Fatalf("expected error without type")
	}
}

func TestService_LogCampaignStampsEvent(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogCampaign(context.Background(), EventTypeCampaignConfirmed, "u1", "c1", "t1", "confirmed"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.OfType(EventTypeCampaignConfirmed)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
	if evs[0].CallTaskID != "t1" || evs[0].OwnerID != "u1" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
}

func TestService_AdminActionCapturesIP(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogAdminAction(context.Background(), "admin1", "admin", "1.2.3.4", "reaper run", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
}

func TestService_NilServiceIsNotConfigured(t *testing.T) {
	var svc *Service
	if err := svc.LogCampaign(context.Background(), EventTypeCampaignFailed, "u", "c", "", ""); err == nil {
		t.Fatalf("expected error")
	}
}
