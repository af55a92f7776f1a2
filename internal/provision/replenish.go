package provision

import (
	"context"

	"tinify-unlimited/internal/keystore"
	"tinify-unlimited/internal/logger"

	"github.com/sirupsen/logrus"
)

// KeySink receives provisioned keys.
type KeySink interface {
	Add(key string) error
	Snapshot() keystore.Pool
}

// Apply makes up to attempts provisioning requests and stores every key that
// comes back. Individual failures are logged and do not stop the loop; only
// a cancelled context ends it early. It returns the number of keys stored.
func Apply(ctx context.Context, p Provisioner, sink KeySink, attempts int, log *logrus.Logger) (int, error) {
	added := 0
	for remaining := attempts; remaining > 0; remaining-- {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		log.Infof("Requesting a new key, %d attempt(s) left", remaining-1)

		key, err := p.RequestNewCredential(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			log.Errorf("Key request failed: %v", err)
			continue
		}
		if err := sink.Add(key); err != nil {
			log.Errorf("Could not store new key: %v", err)
			continue
		}
		added++
		logger.WithKey(log, key).Info("New key provisioned")
	}
	return added, nil
}

// Replenish tops the pool up when fewer than minAvailable keys are
// available. It allows minAvailable+1-available attempts, so one failed
// request still leaves the pool at the minimum.
func Replenish(ctx context.Context, p Provisioner, sink KeySink, minAvailable int, log *logrus.Logger) (int, error) {
	available := len(sink.Snapshot().Available)
	if available >= minAvailable {
		return 0, nil
	}
	log.Warnf("Only %d key(s) available (minimum %d), requesting new keys first", available, minAvailable)
	return Apply(ctx, p, sink, minAvailable+1-available, log)
}
