package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/config"
	"github.com/clyro-labs/enroller/internal/types"
)

// bridgeTimeout is generous because a single form interaction can take
// the sidecar many seconds of real browser work.
const bridgeTimeout = 2 * time.Minute

// Bridge is a Driver that delegates to an automation sidecar over HTTP.
type Bridge struct {
	baseURL string
}

var _ Driver = (*Bridge)(nil)

// NewBridge creates a Driver talking to the configured sidecar.
func NewBridge(cfg config.BrowserConfig) *Bridge {
	return &Bridge{baseURL: cfg.BaseURL}
}

type bridgeError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// do sends one request to the sidecar and decodes the response into out
// when it is non-nil.
func (b *Bridge) do(ctx context.Context, method, path string, body, out interface{}) error {
	fullURL := b.baseURL + path

	var agent *fiber.Agent
	switch method {
	case http.MethodPost:
		agent = fiber.Post(fullURL)
	case http.MethodDelete:
		agent = fiber.Delete(fullURL)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}

	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(bridgeTimeout)
	}
	agent.Set("Content-Type", "application/json")
	if body != nil {
		agent.JSON(body)
	}

	code, respBody, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("browser bridge request failed: %w", errs[0])
	}

	if code >= 400 {
		var be bridgeError
		if err := json.Unmarshal(respBody, &be); err == nil {
			switch be.Code {
			case "already_registered":
				return types.ErrAlreadyRegistered
			case "invalid_code":
				return types.ErrInvalidCode
			}
			return fmt.Errorf("browser bridge error (%d): %s", code, be.Error)
		}
		return fmt.Errorf("browser bridge returned HTTP %d", code)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("malformed bridge response: %w", err)
		}
	}
	return nil
}

// OpenSignup starts a session and submits the signup form.
func (b *Bridge) OpenSignup(ctx context.Context, email, phone string) (*Session, error) {
	var session Session
	err := b.do(ctx, http.MethodPost, "/sessions", map[string]string{
		"email": email,
		"phone": phone,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SubmitOTP types the code for the given slot.
func (b *Bridge) SubmitOTP(ctx context.Context, session *Session, code string, slot int) error {
	return b.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/otp", session.ID), map[string]interface{}{
		"code": code,
		"slot": slot,
	}, nil)
}

// Finalize completes the signup.
func (b *Bridge) Finalize(ctx context.Context, session *Session) error {
	return b.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/finalize", session.ID), nil, nil)
}

// Close tears down the session.
func (b *Bridge) Close(ctx context.Context, session *Session) error {
	if session == nil {
		return nil
	}
	return b.do(ctx, http.MethodDelete, "/sessions/"+session.ID, nil, nil)
}
