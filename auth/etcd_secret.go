package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdDialTimeout = 5 * time.Second

// EtcdSecretSource reads the pre-shared key from a single etcd key and follows updates to it,
// so that every endpoint of a deployment can have its key rotated in one place.
//
// etcd is a strongly consistent key-value store; Watch is server-push, so a rotated key is
// picked up without polling.
type EtcdSecretSource struct {
	client *clientv3.Client // thread-safe, shared by the watcher and Store
	key    string
	logger *logrus.Entry
	secret atomic.Pointer[[]byte]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEtcdSecretSource connects to etcd, reads key once and starts watching it. The key does
// not have to exist yet; Secret fails with ErrNoSecret until it does.
func NewEtcdSecretSource(endpoints []string, key string, logger *logrus.Entry) (*EtcdSecretSource, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to etcd")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &EtcdSecretSource{
		client: c,
		key:    key,
		logger: logger.WithField("key", key),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	getCtx, getCancel := context.WithTimeout(ctx, etcdDialTimeout)
	defer getCancel()
	resp, err := c.Get(getCtx, key)
	if err != nil {
		cancel()
		c.Close()
		return nil, errors.Wrapf(err, "read %s", key)
	}
	if len(resp.Kvs) > 0 {
		s.set(resp.Kvs[0].Value)
	}

	// watch from the revision after the read so that no update is missed
	go s.watch(ctx, resp.Header.Revision+1)
	return s, nil
}

func (s *EtcdSecretSource) watch(ctx context.Context, rev int64) {
	defer close(s.done)
	for resp := range s.client.Watch(ctx, s.key, clientv3.WithRev(rev)) {
		if err := resp.Err(); err != nil {
			s.logger.WithError(err).Warn("watching shared secret")
			continue
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				s.set(ev.Kv.Value)
				s.logger.Info("shared secret rotated")
			case clientv3.EventTypeDelete:
				s.secret.Store(nil)
				s.logger.Warn("shared secret deleted")
			}
		}
	}
}

func (s *EtcdSecretSource) set(v []byte) {
	secret := append([]byte(nil), v...)
	s.secret.Store(&secret)
}

func (s *EtcdSecretSource) Secret() ([]byte, error) {
	p := s.secret.Load()
	if p == nil || len(*p) == 0 {
		return nil, errors.Wrapf(ErrNoSecret, "etcd key %s", s.key)
	}
	return *p, nil
}

// Store writes a new key. Every source watching the same etcd key picks it up.
func (s *EtcdSecretSource) Store(ctx context.Context, secret []byte) error {
	_, err := s.client.Put(ctx, s.key, string(secret))
	return errors.Wrapf(err, "write %s", s.key)
}

// Close stops watching and closes the etcd client.
func (s *EtcdSecretSource) Close() error {
	s.cancel()
	<-s.done
	return s.client.Close()
}
