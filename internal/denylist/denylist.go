// Package denylist holds the entities and contents a node refuses to fetch or
// serve.
package denylist

import (
	"context"
	"errors"
	"path"
	"sync"

	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/fs"
)

// FileName is the bolt file the denylist is kept in.
const FileName = "denylist.db"

const openPerm = 0660

var (
	entitiesBucket = []byte("entities")
	contentsBucket = []byte("contents")
)

// ErrDisabled is returned when modifying a disabled denylist.
var ErrDisabled = errors.New("denylist is disabled")

// Target is what gets denylisted.
type Target string

const (
	EntityTarget  Target = "entity"
	ContentTarget Target = "content"
)

// Entry describes why a target is denylisted.
type Entry struct {
	Target    Target `json:"target"`
	ID        string `json:"id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Denylist answers whether entities or contents are denylisted. A disabled
// Denylist considers nothing denylisted.
type Denylist struct {
	mu       sync.RWMutex
	db       *bolt.DB
	entities map[string]Entry
	contents map[string]Entry
	log      log.Logger
}

// Disabled returns a Denylist that never denylists anything.
func Disabled() *Denylist {
	return &Denylist{}
}

// Open loads, creating it if needed, the denylist kept in folder.
func Open(l log.Logger, folder string) (*Denylist, error) {
	if err := fs.CreateSecureFolder(folder); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path.Join(folder, FileName), openPerm, nil)
	if err != nil {
		return nil, err
	}
	d := &Denylist{
		db:       db,
		entities: make(map[string]Entry),
		contents: make(map[string]Entry),
		log:      l.Named("Denylist"),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for bucketName, into := range map[string]map[string]Entry{
			string(entitiesBucket): d.entities,
			string(contentsBucket): d.contents,
		} {
			bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
			if err != nil {
				return err
			}
			err = bucket.ForEach(func(k, v []byte) error {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				into[string(k)] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.log.Infow("denylist loaded", "entities", len(d.entities), "contents", len(d.contents))
	return d, nil
}

// Enabled reports whether the denylist is in use.
func (d *Denylist) Enabled() bool {
	return d.db != nil
}

func (d *Denylist) Close() error {
	if !d.Enabled() {
		return nil
	}
	return d.db.Close()
}

func (d *Denylist) target(t Target) (map[string]Entry, []byte) {
	if t == ContentTarget {
		return d.contents, contentsBucket
	}
	return d.entities, entitiesBucket
}

// Add denylists the target.
func (d *Denylist) Add(ctx context.Context, e Entry) error {
	if !d.Enabled() {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, bucket := d.target(e.Target)
	err := d.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(e.ID), raw)
	})
	if err != nil {
		return err
	}
	m[e.ID] = e
	return nil
}

// Remove takes the target out of the denylist.
func (d *Denylist) Remove(ctx context.Context, t Target, id string) error {
	if !d.Enabled() {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, bucket := d.target(t)
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	delete(m, id)
	return nil
}

// IsEntityDenylisted reports whether the entity id is denylisted.
func (d *Denylist) IsEntityDenylisted(id string) bool {
	if !d.Enabled() {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entities[id]
	return ok
}

// DenylistedContents returns the hashes among hashes that are denylisted.
func (d *Denylist) DenylistedContents(hashes []string) []string {
	if !d.Enabled() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, h := range hashes {
		if _, ok := d.contents[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Entries lists every denylisted target.
func (d *Denylist) Entries() []Entry {
	if !d.Enabled() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entities)+len(d.contents))
	for _, e := range d.entities {
		out = append(out, e)
	}
	for _, e := range d.contents {
		out = append(out, e)
	}
	return out
}
