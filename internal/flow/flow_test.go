package flow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/cache"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return NewService(NewStore(mem), nil, nil, nil, slog.Default(), "https://auth.example.com")
}

func TestCreateLoginFlowBrowser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	f, err := svc.CreateLoginFlow(ctx, CreateParams{Delivery: DeliveryBrowser})
	require.NoError(t, err)

	assert.Equal(t, TypeLogin, f.Type)
	assert.Equal(t, StateActive, f.State)
	assert.Len(t, f.CSRFToken, 64)
	assert.WithinDuration(t, time.Now().Add(flowTTL), f.ExpiresAt, 2*time.Second)
	assert.Equal(t, "https://auth.example.com/self-service/login?flow="+f.ID, f.UI.Action)

	var names []string
	for _, n := range f.UI.Nodes {
		names = append(names, n.Attributes.Name)
	}
	assert.Equal(t, []string{"csrf_token", "identifier", "password", "method"}, names)
	assert.Equal(t, "hidden", f.UI.Nodes[0].Attributes.InputType)
	assert.Equal(t, f.CSRFToken, f.UI.Nodes[0].Attributes.Value)

	got, err := svc.GetFlow(ctx, TypeLogin, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
}

func TestCreateLoginFlowAPIHasNoCSRF(t *testing.T) {
	svc := newTestService(t)

	f, err := svc.CreateLoginFlow(context.Background(), CreateParams{Delivery: DeliveryAPI})
	require.NoError(t, err)

	assert.Empty(t, f.CSRFToken)
	for _, n := range f.UI.Nodes {
		assert.NotEqual(t, "csrf_token", n.Attributes.Name)
	}
}

func TestCreateRegistrationFlowNodes(t *testing.T) {
	svc := newTestService(t)

	f, err := svc.CreateRegistrationFlow(context.Background(), CreateParams{Delivery: DeliveryBrowser})
	require.NoError(t, err)

	groups := map[string]bool{}
	for _, n := range f.UI.Nodes {
		groups[n.Group] = true
	}
	assert.True(t, groups["default"])
	assert.True(t, groups["password"])
	assert.True(t, groups["profile"])
}

func TestPublicStripsServerFields(t *testing.T) {
	userID := uuid.New()
	f := &Flow{
		ID:                    "abc",
		CSRFToken:             "csrf",
		AuthenticatedUserID:   &userID,
		AuthenticationMethods: []string{"password"},
		MfaChallengeToken:     "challenge",
	}

	pub := f.Public()
	assert.Nil(t, pub.AuthenticatedUserID)
	assert.Nil(t, pub.AuthenticationMethods)
	assert.Empty(t, pub.MfaChallengeToken)
	assert.Equal(t, "csrf", pub.CSRFToken)

	// The original is untouched.
	assert.NotNil(t, f.AuthenticatedUserID)
	assert.Equal(t, "challenge", f.MfaChallengeToken)
}

func TestStoreRoundTripKeepsServerFields(t *testing.T) {
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	store := NewStore(mem)
	ctx := context.Background()

	userID := uuid.New()
	f := &Flow{
		ID:                  "f1",
		Type:                TypeLogin,
		State:               StateRequiresMfa,
		ExpiresAt:           time.Now().Add(time.Minute),
		AuthenticatedUserID: &userID,
		MfaChallengeToken:   "challenge-token",
	}
	require.NoError(t, store.Save(ctx, f))

	got, err := store.Get(ctx, TypeLogin, "f1")
	require.NoError(t, err)
	require.NotNil(t, got.AuthenticatedUserID)
	assert.Equal(t, userID, *got.AuthenticatedUserID)
	assert.Equal(t, "challenge-token", got.MfaChallengeToken)
}

func TestStoreExpiredFlowIsGone(t *testing.T) {
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	store := NewStore(mem)
	ctx := context.Background()

	f := &Flow{ID: "f2", Type: TypeLogin, ExpiresAt: time.Now().Add(-time.Second)}
	assert.ErrorIs(t, store.Save(ctx, f), ErrFlowNotFound)

	_, err := store.Get(ctx, TypeLogin, "f2")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestStoreDelete(t *testing.T) {
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	store := NewStore(mem)
	ctx := context.Background()

	f := &Flow{ID: "f3", Type: TypeRegistration, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Save(ctx, f))
	require.NoError(t, store.Delete(ctx, TypeRegistration, "f3"))

	_, err := store.Get(ctx, TypeRegistration, "f3")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestSubmitLoginCSRFMismatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	f, err := svc.CreateLoginFlow(ctx, CreateParams{Delivery: DeliveryBrowser})
	require.NoError(t, err)

	res, err := svc.SubmitLogin(ctx, SubmitParams{FlowID: f.ID, Method: "password", CSRFToken: "wrong"})
	assert.ErrorIs(t, err, ErrCSRFMismatch)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Flow.UI.Messages)
	assert.Equal(t, MsgCSRFMismatch, res.Flow.UI.Messages[0].ID)

	// The mismatch must not advance state.
	got, err := svc.GetFlow(ctx, TypeLogin, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Empty(t, got.UI.Messages)
}

func TestSubmitLoginRequiresMatchingCookie(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	f, err := svc.CreateLoginFlow(ctx, CreateParams{Delivery: DeliveryBrowser})
	require.NoError(t, err)

	// Knowing the token is not enough; the browser must present the
	// cookie the flow was created with.
	res, err := svc.SubmitLogin(ctx, SubmitParams{
		FlowID: f.ID, Method: "password", CSRFToken: f.CSRFToken,
	})
	assert.ErrorIs(t, err, ErrCSRFMismatch)
	require.NotNil(t, res)
	assert.Equal(t, MsgCSRFMismatch, res.Flow.UI.Messages[0].ID)

	res, err = svc.SubmitLogin(ctx, SubmitParams{
		FlowID: f.ID, Method: "password", CSRFToken: f.CSRFToken, CSRFCookie: "other",
	})
	assert.ErrorIs(t, err, ErrCSRFMismatch)
	require.NotNil(t, res)

	// With both in agreement the submission clears CSRF and fails later,
	// on the unsupported method.
	_, err = svc.SubmitLogin(ctx, SubmitParams{
		FlowID: f.ID, Method: "bogus", CSRFToken: f.CSRFToken, CSRFCookie: f.CSRFToken,
	})
	assert.ErrorIs(t, err, ErrFlowState)
}

func TestSubmitLoginUnknownFlow(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.SubmitLogin(context.Background(), SubmitParams{FlowID: "missing", Method: "password"})
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestNodeErrorAttachesToNamedNode(t *testing.T) {
	f := &Flow{UI: UI{Nodes: []Node{
		{Attributes: Attributes{Name: "identifier"}},
		{Attributes: Attributes{Name: "password"}},
	}}}

	out := f.nodeError("password", MsgInvalidCredentials, "nope")
	require.Len(t, out.UI.Nodes[1].Messages, 1)
	assert.Equal(t, MsgInvalidCredentials, out.UI.Nodes[1].Messages[0].ID)
	assert.Empty(t, out.UI.Nodes[0].Messages)

	// Unknown node falls back to a form-level message.
	out = f.nodeError("missing", "X", "y")
	require.Len(t, out.UI.Messages, 1)
}
