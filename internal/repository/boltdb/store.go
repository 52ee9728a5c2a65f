// Package boltdb keeps the repository in a single bolt file.
package boltdb

import (
	"context"
	"encoding/binary"
	"errors"
	"path"
	"sort"
	"strings"

	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/fs"
	"github.com/catalyst-network/catalyst/internal/metrics"
	"github.com/catalyst-network/catalyst/internal/repository"
)

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "catalyst.db"

// BoltStoreOpenPerm is the permission we will use to read bolt store file from disk
const BoltStoreOpenPerm = 0660

var (
	deploymentsBucket = []byte("deployments")
	historyBucket     = []byte("history")
	pointersBucket    = []byte("pointers")
	failuresBucket    = []byte("failures")
	metaBucket        = []byte("meta")

	historySizeKey = []byte("historySize")
)

var errCorrupted = errors.New("corrupted repository")

// Store implements repository.Repository on top of boltdb. Deployments and
// index entries are stored JSON encoded. The history bucket is keyed by local
// timestamp so it iterates in commit order.
type Store struct {
	db  *bolt.DB
	log log.Logger
}

// NewStore opens, creating if needed, the bolt file in folder.
func NewStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Store, error) {
	_, span := metrics.NewSpan(ctx, "boltStore.NewStore")
	defer span.End()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := fs.CreateSecureFolder(folder); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path.Join(folder, BoltFileName), BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{deploymentsBucket, historyBucket, pointersBucket, failuresBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, log: l.Named("boltStore")}, nil
}

func (b *Store) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

func historyKey(localTimestamp int64, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(localTimestamp))
	return append(key, id...)
}

func pointerKey(t entity.Type, pointer string) []byte {
	return []byte(string(t) + "/" + strings.ToLower(pointer))
}

func failureKey(t entity.Type, id string) []byte {
	return []byte(string(t) + "/" + id)
}

func getJSON(bucket *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	raw := bucket.Get(key)
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func putJSON(bucket *bolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}

// Commit implements the Deployments interface.
func (b *Store) Commit(ctx context.Context, c *repository.Commit) error {
	_, span := metrics.NewSpan(ctx, "boltStore.Commit")
	defer span.End()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d := c.Deployment
	return b.db.Update(func(tx *bolt.Tx) error {
		deployments := tx.Bucket(deploymentsBucket)
		pointers := tx.Bucket(pointersBucket)

		if deployments.Get([]byte(d.ID)) != nil {
			return repository.ErrDeploymentExists
		}

		for _, id := range c.Overwritten {
			var old entity.Deployment
			found, err := getJSON(deployments, []byte(id), &old)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			old.AuditInfo.OverwrittenBy = d.ID
			if err := putJSON(deployments, []byte(id), &old); err != nil {
				return err
			}
			for _, p := range old.Pointers {
				var st repository.PointerState
				found, err := getJSON(pointers, pointerKey(old.Type, p), &st)
				if err != nil {
					return err
				}
				if found && st.Active == id {
					st.Active = ""
					if err := putJSON(pointers, pointerKey(old.Type, p), &st); err != nil {
						return err
					}
				}
			}
		}

		touched := make(map[string]bool, len(d.Pointers))
		for _, p := range c.Last {
			touched[strings.ToLower(p)] = false
		}
		if c.Active {
			for _, p := range d.LowerPointers() {
				touched[p] = true
			}
		}
		for p, active := range touched {
			st := repository.PointerState{Pointer: p}
			if _, err := getJSON(pointers, pointerKey(d.Type, p), &st); err != nil {
				return err
			}
			st.Last = d.ID
			if active {
				st.Active = d.ID
			}
			if err := putJSON(pointers, pointerKey(d.Type, p), &st); err != nil {
				return err
			}
		}

		if err := putJSON(deployments, []byte(d.ID), d); err != nil {
			return err
		}
		history := tx.Bucket(historyBucket)
		// We know this will be an append-only workload, so let's use a compact db.
		history.FillPercent = 1.0
		if err := history.Put(historyKey(d.AuditInfo.LocalTimestamp, d.ID), []byte(d.ID)); err != nil {
			return err
		}
		return incrementCounter(tx.Bucket(metaBucket), historySizeKey)
	})
}

func incrementCounter(bucket *bolt.Bucket, key []byte) error {
	var n uint64
	if raw := bucket.Get(key); raw != nil {
		n = binary.BigEndian.Uint64(raw)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	return bucket.Put(key, buf)
}

// Deployment implements the Deployments interface.
func (b *Store) Deployment(ctx context.Context, entityID string) (*entity.Deployment, error) {
	_, span := metrics.NewSpan(ctx, "boltStore.Deployment")
	defer span.End()

	var d entity.Deployment
	err := b.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(deploymentsBucket), []byte(entityID), &d)
		if err != nil {
			return err
		}
		if !found {
			return repository.ErrDeploymentNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Deployments implements the Deployments interface.
func (b *Store) Deployments(ctx context.Context, entityIDs []string) ([]*entity.Deployment, error) {
	_, span := metrics.NewSpan(ctx, "boltStore.Deployments")
	defer span.End()

	out := make([]*entity.Deployment, 0, len(entityIDs))
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(deploymentsBucket)
		for _, id := range entityIDs {
			var d entity.Deployment
			found, err := getJSON(bucket, []byte(id), &d)
			if err != nil {
				return err
			}
			if found {
				out = append(out, &d)
			}
		}
		return nil
	})
	return out, err
}

// PointerStates implements the Deployments interface.
func (b *Store) PointerStates(_ context.Context, t entity.Type, pointers []string) (map[string]repository.PointerState, error) {
	out := make(map[string]repository.PointerState, len(pointers))
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pointersBucket)
		for _, p := range pointers {
			var st repository.PointerState
			found, err := getJSON(bucket, pointerKey(t, p), &st)
			if err != nil {
				return err
			}
			if found {
				out[strings.ToLower(p)] = st
			}
		}
		return nil
	})
	return out, err
}

// ActivePointers implements the Deployments interface.
func (b *Store) ActivePointers(_ context.Context, t entity.Type) ([]string, error) {
	var out []string
	prefix := []byte(string(t) + "/")
	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(pointersBucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cursor.Next() {
			var st repository.PointerState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.Active != "" {
				out = append(out, st.Pointer)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// DeploymentsSince implements the Deployments interface.
func (b *Store) DeploymentsSince(ctx context.Context, localTimestamp int64, limit int) ([]*entity.Deployment, error) {
	_, span := metrics.NewSpan(ctx, "boltStore.DeploymentsSince")
	defer span.End()

	var out []*entity.Deployment
	err := b.db.View(func(tx *bolt.Tx) error {
		deployments := tx.Bucket(deploymentsBucket)
		cursor := tx.Bucket(historyBucket).Cursor()
		for k, v := cursor.Seek(historyKey(localTimestamp+1, "")); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var d entity.Deployment
			found, err := getJSON(deployments, v, &d)
			if err != nil {
				return err
			}
			if !found {
				return errCorrupted
			}
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}

// HistorySize implements the Deployments interface.
func (b *Store) HistorySize(context.Context) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(metaBucket).Get(historySizeKey); raw != nil {
			n = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return n, err
}

// LastLocalTimestamp implements the Deployments interface.
func (b *Store) LastLocalTimestamp(context.Context) (int64, error) {
	var ts int64
	err := b.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(historyBucket).Cursor().Last()
		if len(k) >= 8 {
			ts = int64(binary.BigEndian.Uint64(k[:8]))
		}
		return nil
	})
	return ts, err
}

// SaveFailure implements the FailedDeployments interface.
func (b *Store) SaveFailure(_ context.Context, f *entity.FailedDeployment) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(failuresBucket), failureKey(f.EntityType, f.EntityID), f)
	})
}

// DeleteFailure implements the FailedDeployments interface.
func (b *Store) DeleteFailure(_ context.Context, t entity.Type, entityID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(failuresBucket).Delete(failureKey(t, entityID))
	})
}

// Failure implements the FailedDeployments interface.
func (b *Store) Failure(_ context.Context, t entity.Type, entityID string) (*entity.FailedDeployment, error) {
	var f entity.FailedDeployment
	err := b.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(failuresBucket), failureKey(t, entityID), &f)
		if err != nil {
			return err
		}
		if !found {
			return repository.ErrFailureNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// AllFailures implements the FailedDeployments interface.
func (b *Store) AllFailures(context.Context) ([]*entity.FailedDeployment, error) {
	var out []*entity.FailedDeployment
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(failuresBucket).ForEach(func(_, v []byte) error {
			var f entity.FailedDeployment
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, &f)
			return nil
		})
	})
	repository.SortFailures(out)
	return out, err
}
