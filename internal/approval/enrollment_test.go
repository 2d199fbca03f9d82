package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/store/storetest"
)

// enrollmentQuerier serves one approved session and its agent. The redeem
// compare-and-set succeeds once and reports zero rows afterwards.
func enrollmentQuerier(sessionID, agentID uuid.UUID, tokenHash string) *storetest.Fake {
	now := time.Now().UTC()
	f := &storetest.Fake{}
	redeemWins := int64(1)

	f.QueryFn = func(sql string, _ []any) ([][]any, error) {
		switch {
		case strings.Contains(sql, "FROM enrollment_sessions"):
			return [][]any{{
				sessionID, agentID, tokenHash, "approved", uuid.New(),
				now.Add(10 * time.Minute), now,
			}}, nil
		case strings.Contains(sql, "FROM agents"):
			return [][]any{{
				agentID, "relay", "", []int{}, []string{},
				true, 1, now, now,
			}}, nil
		}
		return nil, nil
	}
	f.ExecFn = func(sql string, _ []any) (int64, error) {
		if strings.Contains(sql, "'redeemed'") {
			n := redeemWins
			redeemWins = 0
			return n, nil
		}
		return 1, nil
	}
	return f
}

func TestEnrollment_redeemIsOneTime(t *testing.T) {
	token, _, hash, err := auth.GenerateEnrollToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	sessionID, agentID := uuid.New(), uuid.New()
	fake := enrollmentQuerier(sessionID, agentID, hash)
	repos := repository.New(fake)
	tx := &fakeTxRunner{q: fake}
	enroll := NewEnrollment(repos, tx, nil, nil, zap.NewNop(), 0)
	ctx := context.Background()

	res, err := enroll.Redeem(ctx, sessionID, token)
	if err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if res.APIKey == "" || res.Prefix == "" {
		t.Error("redeem returned no key material")
	}
	if res.Agent == nil || res.Agent.ID != agentID {
		t.Errorf("redeem returned agent %+v, want %s", res.Agent, agentID)
	}
	// The fresh key is created under the agent's own audit identity.
	if len(tx.audits) != 1 || tx.audits[0].Kind != "agent" || tx.audits[0].ID != agentID {
		t.Errorf("key creation audits = %+v, want agent/%s", tx.audits, agentID)
	}

	_, err = enroll.Redeem(ctx, sessionID, token)
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeConflict {
		t.Fatalf("second Redeem = %v, want CONFLICT", err)
	}
}

func TestEnrollment_redeemRejectsWrongToken(t *testing.T) {
	_, _, hash, err := auth.GenerateEnrollToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	wrong, _, _, err := auth.GenerateEnrollToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	sessionID := uuid.New()
	fake := enrollmentQuerier(sessionID, uuid.New(), hash)
	enroll := NewEnrollment(repository.New(fake), &fakeTxRunner{q: fake}, nil, nil, zap.NewNop(), 0)

	_, err = enroll.Redeem(context.Background(), sessionID, wrong)
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeInvalidAuth {
		t.Fatalf("Redeem with wrong token = %v, want INVALID_AUTH", err)
	}
	if len(fake.Execs) != 0 {
		t.Errorf("wrong token reached the store: %v", fake.Execs)
	}
}
