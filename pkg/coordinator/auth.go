package coordinator

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/cuemby/distbuild/pkg/apierr"
	"github.com/cuemby/distbuild/pkg/security"
	"github.com/cuemby/distbuild/pkg/storage"
	"github.com/cuemby/distbuild/pkg/types"
)

// authenticateConsumer verifies the X-Consumer-Key header against the
// stored (salt, digest) for the key_id it names, using a constant-time
// comparison. It does not check Active; callers that must reject inactive
// consumers do so explicitly, since some paths (none at present) may want
// to distinguish "doesn't exist" from "deactivated".
func (s *Server) authenticateConsumer(ctx context.Context, r *http.Request) (*types.Consumer, *apierr.Error) {
	header := r.Header.Get("X-Consumer-Key")
	if header == "" {
		return nil, apierr.New(apierr.KindAuth, "missing X-Consumer-Key header")
	}
	return s.verifyConsumerCredential(ctx, header)
}

func (s *Server) verifyConsumerCredential(ctx context.Context, header string) (*types.Consumer, *apierr.Error) {
	keyID, secret, err := security.SplitCredential(header)
	if err != nil {
		return nil, apierr.New(apierr.KindAuth, "malformed credential")
	}

	consumer, err := s.store.GetConsumerByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.New(apierr.KindAuth, "invalid credential")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "look up consumer", err)
	}

	if !security.VerifySecret(secret, consumer.KeySalt, consumer.KeyDigest) {
		return nil, apierr.New(apierr.KindAuth, "invalid credential")
	}

	return consumer, nil
}

// authenticateWorker checks X-Worker-Token against the server's configured
// shared token. Missing server configuration is a 503, not a 401: it is
// the operator's mistake, not the caller's.
func (s *Server) authenticateWorker(r *http.Request) *apierr.Error {
	if s.cfg.WorkerSharedToken == "" {
		return apierr.New(apierr.KindMisconfigured, "worker authentication is not configured")
	}
	token := r.Header.Get("X-Worker-Token")
	if token == "" {
		return apierr.New(apierr.KindAuth, "missing X-Worker-Token header")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WorkerSharedToken)) != 1 {
		return apierr.New(apierr.KindAuth, "invalid worker token")
	}
	return nil
}
