package policy

import "testing"

func TestEvaluate_TeamWriteDisabledRedirects(t *testing.T) {
	d := Evaluate(Input{
		ActorUserID:      "alice",
		TargetSpace:      "team:restricted",
		TeamWriteEnabled: false,
	})
	if d.Action != ActionRedirect {
		t.Fatalf("expected redirect, got %s", d.Action)
	}
	if d.Reason != ReasonTeamWriteDisabled {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
	if d.FinalSpace != "private:alice" {
		t.Fatalf("expected private:alice, got %s", d.FinalSpace)
	}
}

func TestEvaluate_TeamWriteEnabledAllows(t *testing.T) {
	d := Evaluate(Input{
		ActorUserID:      "alice",
		TargetSpace:      "team:shared",
		TeamWriteEnabled: true,
	})
	if d.Action != ActionAllow {
		t.Fatalf("expected allow, got %s", d.Action)
	}
	if d.FinalSpace != "team:shared" {
		t.Fatalf("final space must equal target space, got %s", d.FinalSpace)
	}
}

func TestEvaluate_PrivateSpaceAlwaysAllowed(t *testing.T) {
	d := Evaluate(Input{
		ActorUserID:      "bob",
		TargetSpace:      "private:bob",
		TeamWriteEnabled: false,
	})
	if d.Action != ActionAllow {
		t.Fatalf("expected allow, got %s", d.Action)
	}
	if d.Reason != ReasonAllow {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
}

func TestEvaluate_UnknownSpaceRejected(t *testing.T) {
	d := Evaluate(Input{
		ActorUserID: "alice",
		TargetSpace: "global",
	})
	if d.Action != ActionReject {
		t.Fatalf("expected reject, got %s", d.Action)
	}
	if d.Reason != ReasonUnknownSpaceType {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
	if d.FinalSpace != "" {
		t.Fatalf("reject must not pick a final space, got %q", d.FinalSpace)
	}
}

func TestEvaluate_SharedSpaceExactMatch(t *testing.T) {
	d := Evaluate(Input{
		TargetSpace:  "org-wiki",
		SharedSpaces: []string{"org-wiki"},
	})
	if d.Action != ActionAllow {
		t.Fatalf("expected allow for configured shared space, got %s", d.Action)
	}
}

func TestEvaluate_RedirectWithoutActorFallsBackToUnknown(t *testing.T) {
	d := Evaluate(Input{
		TargetSpace:      "team:x",
		TeamWriteEnabled: false,
	})
	if d.FinalSpace != "private:unknown" {
		t.Fatalf("expected private:unknown, got %s", d.FinalSpace)
	}
}

func TestEvaluate_CustomPrivatePrefix(t *testing.T) {
	d := Evaluate(Input{
		ActorUserID:        "carol",
		TargetSpace:        "team:x",
		TeamWriteEnabled:   false,
		PrivateSpacePrefix: "user/",
	})
	if d.FinalSpace != "user/carol" {
		t.Fatalf("expected user/carol, got %s", d.FinalSpace)
	}

	d = Evaluate(Input{TargetSpace: "user/carol", PrivateSpacePrefix: "user/"})
	if d.Action != ActionAllow {
		t.Fatalf("custom-prefix space should be allowed, got %s", d.Action)
	}
}
