package client

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/retry"
	"github.com/and161185/gophnotes/internal/transport"
)

// Dial connects to the directory websocket at url, presenting token as a bearer credential.
// Refused connections are retried per cfg; a rejected token is not.
func Dial(ctx context.Context, log *zap.Logger, m *transport.Manager, url, token string, cfg retry.Config) (*transport.WSConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	attempt := 0
	return retry.Do(ctx, cfg, func() (*transport.WSConn, error) {
		attempt++
		conn, err := transport.Dial(ctx, m, url, header, transport.DefaultSettings())
		switch {
		case err == nil:
			return conn, nil
		case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, context.Canceled):
			return nil, err
		}
		log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
		return nil, retry.Transient(err)
	})
}
