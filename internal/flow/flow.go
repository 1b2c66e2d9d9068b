// Package flow implements the self-service login and registration flows:
// resumable, cache-backed state objects that describe their own UI as a
// node tree and cooperate with the authorization endpoint.
package flow

import (
	"time"

	"github.com/google/uuid"
)

// Flow types.
const (
	TypeLogin        = "login"
	TypeRegistration = "registration"
)

// Delivery modes. Browser flows carry a CSRF token; API flows return
// tokens in the response body.
const (
	DeliveryBrowser = "browser"
	DeliveryAPI     = "api"
)

// Flow states.
const (
	StateActive      = "active"
	StateRequiresMfa = "requires_mfa"
	StateCompleted   = "completed"
)

// Message ids surfaced in ui.messages / node messages.
const (
	MsgCSRFMismatch       = "CSRF_MISMATCH"
	MsgInvalidCredentials = "INVALID_CREDENTIALS"
	MsgAccountLocked      = "ACCOUNT_LOCKED"
	MsgAccountBanned      = "ACCOUNT_BANNED"
	MsgSsoRequired        = "SSO_REQUIRED"
	MsgInvalidTotp        = "INVALID_TOTP_CODE"
	MsgEmailTaken         = "EMAIL_TAKEN"
	MsgWeakPassword       = "WEAK_PASSWORD"
	MsgRegistrationClosed = "REGISTRATION_CLOSED"
)

// Message is a user-facing UI message, attached either to the whole form
// (ui.messages) or to a single node.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "error" or "info"
	Text string `json:"text"`
}

// Attributes describe one form input.
type Attributes struct {
	Name         string `json:"name"`
	InputType    string `json:"input_type"`
	Value        any    `json:"value,omitempty"`
	Required     bool   `json:"required"`
	Pattern      string `json:"pattern,omitempty"`
	Autocomplete string `json:"autocomplete,omitempty"`
	Maxlength    int    `json:"maxlength,omitempty"`
}

// Meta carries renderer hints that are not form attributes.
type Meta struct {
	Label        string `json:"label,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// Node is one entry of ui.nodes. Renderers section the form by group:
// default, password, profile, totp, oidc.
type Node struct {
	NodeType   string     `json:"node_type"`
	Group      string     `json:"group"`
	Attributes Attributes `json:"attributes"`
	Messages   []Message  `json:"messages"`
	Meta       Meta       `json:"meta"`
}

// UI is the renderable description of the flow's current form.
type UI struct {
	Action   string    `json:"action"`
	Method   string    `json:"method"`
	Nodes    []Node    `json:"nodes"`
	Messages []Message `json:"messages"`
}

// Flow is the cache-persisted state object. The fields below the UI are
// server-only and are cleared by Public before the flow goes on the wire.
type Flow struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Delivery  string    `json:"delivery"`
	State     string    `json:"state"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	AuthorizationRequestID string     `json:"authorization_request_id,omitempty"`
	ClientID               string     `json:"client_id,omitempty"`
	TenantID               *uuid.UUID `json:"tenant_id,omitempty"`
	ReturnTo               string     `json:"return_to,omitempty"`
	CSRFToken              string     `json:"csrf_token,omitempty"`

	UI UI `json:"ui"`

	AuthenticatedUserID   *uuid.UUID `json:"authenticated_user_id,omitempty"`
	AuthenticationMethods []string   `json:"authentication_methods,omitempty"`
	MfaChallengeToken     string     `json:"mfa_challenge_token,omitempty"`
}

// Public returns the wire representation: a copy stripped of the
// server-only fields.
func (f *Flow) Public() *Flow {
	out := *f
	out.AuthenticatedUserID = nil
	out.AuthenticationMethods = nil
	out.MfaChallengeToken = ""
	return &out
}

// Submittable reports whether the flow may still advance.
func (f *Flow) Submittable() bool {
	return f.State == StateActive || f.State == StateRequiresMfa
}

func csrfNode(token string) Node {
	return Node{
		NodeType: "input",
		Group:    "default",
		Attributes: Attributes{
			Name:      "csrf_token",
			InputType: "hidden",
			Value:     token,
			Required:  true,
		},
		Messages: []Message{},
	}
}

func loginNodes(f *Flow) []Node {
	var nodes []Node
	if f.Delivery == DeliveryBrowser {
		nodes = append(nodes, csrfNode(f.CSRFToken))
	}
	nodes = append(nodes,
		Node{
			NodeType: "input",
			Group:    "default",
			Attributes: Attributes{
				Name:         "identifier",
				InputType:    "email",
				Required:     true,
				Autocomplete: "email",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Email"},
		},
		Node{
			NodeType: "input",
			Group:    "password",
			Attributes: Attributes{
				Name:         "password",
				InputType:    "password",
				Required:     true,
				Autocomplete: "current-password",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Password"},
		},
		Node{
			NodeType: "input",
			Group:    "password",
			Attributes: Attributes{
				Name:      "method",
				InputType: "submit",
				Value:     "password",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Sign in"},
		},
	)
	return nodes
}

func totpNodes(f *Flow) []Node {
	var nodes []Node
	if f.Delivery == DeliveryBrowser {
		nodes = append(nodes, csrfNode(f.CSRFToken))
	}
	nodes = append(nodes,
		Node{
			NodeType: "input",
			Group:    "totp",
			Attributes: Attributes{
				Name:         "totp_code",
				InputType:    "text",
				Required:     true,
				Pattern:      "[0-9]{6}",
				Maxlength:    6,
				Autocomplete: "one-time-code",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Authentication code"},
		},
		Node{
			NodeType: "input",
			Group:    "totp",
			Attributes: Attributes{
				Name:      "method",
				InputType: "submit",
				Value:     "totp",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Verify"},
		},
	)
	return nodes
}

func registrationNodes(f *Flow) []Node {
	var nodes []Node
	if f.Delivery == DeliveryBrowser {
		nodes = append(nodes, csrfNode(f.CSRFToken))
	}
	nodes = append(nodes,
		Node{
			NodeType: "input",
			Group:    "default",
			Attributes: Attributes{
				Name:         "email",
				InputType:    "email",
				Required:     true,
				Autocomplete: "email",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Email"},
		},
		Node{
			NodeType: "input",
			Group:    "profile",
			Attributes: Attributes{
				Name:         "name",
				InputType:    "text",
				Autocomplete: "name",
				Maxlength:    200,
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Full name"},
		},
		Node{
			NodeType: "input",
			Group:    "password",
			Attributes: Attributes{
				Name:         "password",
				InputType:    "password",
				Required:     true,
				Autocomplete: "new-password",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Password"},
		},
		Node{
			NodeType: "input",
			Group:    "password",
			Attributes: Attributes{
				Name:      "method",
				InputType: "submit",
				Value:     "password",
			},
			Messages: []Message{},
			Meta:     Meta{Label: "Sign up"},
		},
	)
	return nodes
}

// formError attaches a form-level error and returns the flow for the
// response body.
func (f *Flow) formError(id, text string) *Flow {
	out := f.Public()
	out.UI.Messages = append([]Message{}, out.UI.Messages...)
	out.UI.Messages = append(out.UI.Messages, Message{ID: id, Type: "error", Text: text})
	return out
}

// nodeError attaches an error to the node named name, falling back to a
// form-level message when the node is absent.
func (f *Flow) nodeError(name, id, text string) *Flow {
	out := f.Public()
	nodes := make([]Node, len(out.UI.Nodes))
	copy(nodes, out.UI.Nodes)
	out.UI.Nodes = nodes
	for i := range out.UI.Nodes {
		if out.UI.Nodes[i].Attributes.Name == name {
			msgs := append([]Message{}, out.UI.Nodes[i].Messages...)
			out.UI.Nodes[i].Messages = append(msgs, Message{ID: id, Type: "error", Text: text})
			return out
		}
	}
	return f.formError(id, text)
}
