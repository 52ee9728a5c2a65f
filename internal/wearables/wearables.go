// Package wearables serves the wearables that do not belong to any on-chain
// collection, such as the base avatars every user owns.
package wearables

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
)

// BaseAvatars is the collection of the default avatar wearables.
const BaseAvatars = "base-avatars"

// DefaultCollections are the off-chain collections and the pointers of
// their wearables.
var DefaultCollections = map[string][]string{
	BaseAvatars: {
		"urn:catalyst:off-chain:base-avatars:basefemale",
		"urn:catalyst:off-chain:base-avatars:basemale",
		"urn:catalyst:off-chain:base-avatars:eyebrows_00",
		"urn:catalyst:off-chain:base-avatars:eyes_00",
		"urn:catalyst:off-chain:base-avatars:mouth_00",
		"urn:catalyst:off-chain:base-avatars:f_sweater",
		"urn:catalyst:off-chain:base-avatars:m_sweater",
		"urn:catalyst:off-chain:base-avatars:sneakers",
	},
}

// EntitySource returns the active entities on pointers.
type EntitySource interface {
	ActiveEntities(ctx context.Context, t entity.Type, pointers []string) ([]*entity.Deployment, error)
}

// I18N is a translated name.
type I18N struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Content is a file of a wearable and where to download it.
type Content struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Wearable is the public view of a wearable entity.
type Wearable struct {
	ID           string          `json:"id"`
	CollectionID string          `json:"collectionId"`
	Description  string          `json:"description,omitempty"`
	Thumbnail    string          `json:"thumbnail,omitempty"`
	Image        string          `json:"image,omitempty"`
	Rarity       string          `json:"rarity,omitempty"`
	I18N         []I18N          `json:"i18n"`
	Data         json.RawMessage `json:"data,omitempty"`
	Contents     []Content       `json:"contents,omitempty"`
}

type metadata struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Thumbnail   string          `json:"thumbnail"`
	Image       string          `json:"image"`
	Rarity      string          `json:"rarity"`
	I18N        []I18N          `json:"i18n"`
	Data        json.RawMessage `json:"data"`
}

// Filters narrow down a search. Empty fields match everything.
type Filters struct {
	CollectionIDs []string
	WearableIDs   []string
	TextSearch    string
}

func (f Filters) match(w *Wearable) bool {
	if len(f.CollectionIDs) > 0 && !containsFold(f.CollectionIDs, w.CollectionID) {
		return false
	}
	if len(f.WearableIDs) > 0 && !containsFold(f.WearableIDs, w.ID) {
		return false
	}
	if f.TextSearch != "" {
		name := strings.ToLower(w.Name())
		return name != "" && strings.Contains(name, strings.ToLower(f.TextSearch))
	}
	return true
}

// Name returns the english name of the wearable, or its first translation.
func (w *Wearable) Name() string {
	for _, t := range w.I18N {
		if t.Code == "en" {
			return t.Text
		}
	}
	if len(w.I18N) > 0 {
		return w.I18N[0].Text
	}
	return ""
}

type loadState int

const (
	notLoaded loadState = iota
	loading
	loaded
)

// Manager loads the off-chain wearables once, on first use.
type Manager struct {
	source      EntitySource
	collections map[string][]string
	contentURL  string
	log         log.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	state       loadState
	definitions []*Wearable
}

// NewManager returns a Manager for collections, reading the wearables from
// source. contentURL is the base of the download urls of their files.
func NewManager(l log.Logger, source EntitySource, collections map[string][]string, contentURL string) *Manager {
	if collections == nil {
		collections = DefaultCollections
	}
	m := &Manager{
		source:      source,
		collections: collections,
		contentURL:  strings.TrimSuffix(contentURL, "/"),
		log:         l.Named("OffChainWearables"),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Ready reports whether the definitions are loaded.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == loaded
}

// Find returns the wearables matching filters, sorted by collection and id.
// The first call loads the definitions; concurrent callers wait for it.
func (m *Manager) Find(ctx context.Context, filters Filters) ([]*Wearable, error) {
	defs, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Wearable
	for _, w := range defs {
		if filters.match(w) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context) ([]*Wearable, error) {
	m.mu.Lock()
	for m.state == loading {
		m.cond.Wait()
	}
	if m.state == loaded {
		defer m.mu.Unlock()
		return m.definitions, nil
	}
	m.state = loading
	m.mu.Unlock()

	defs, err := m.fetch(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cond.Broadcast()
	if err != nil {
		// the next caller tries again
		m.state = notLoaded
		return nil, err
	}
	m.definitions = defs
	m.state = loaded
	m.log.Infow("off-chain wearables loaded", "wearables", len(defs))
	return defs, nil
}

func (m *Manager) fetch(ctx context.Context) ([]*Wearable, error) {
	ids := make([]string, 0, len(m.collections))
	for id := range m.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var defs []*Wearable
	for _, collectionID := range ids {
		ds, err := m.source.ActiveEntities(ctx, entity.Wearable, m.collections[collectionID])
		if err != nil {
			return nil, fmt.Errorf("loading collection %s: %w", collectionID, err)
		}
		var ws []*Wearable
		for _, d := range ds {
			w, err := m.translate(collectionID, d)
			if err != nil {
				m.log.Warnw("skipping malformed wearable", "entity", d.ID, "err", err)
				continue
			}
			ws = append(ws, w)
		}
		sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
		defs = append(defs, ws...)
	}
	return defs, nil
}

func (m *Manager) translate(collectionID string, d *entity.Deployment) (*Wearable, error) {
	var md metadata
	if err := json.Unmarshal(d.Metadata, &md); err != nil {
		return nil, err
	}
	if md.ID == "" && len(d.Pointers) > 0 {
		md.ID = d.Pointers[0]
	}
	w := &Wearable{
		ID:           md.ID,
		CollectionID: collectionID,
		Description:  md.Description,
		Rarity:       md.Rarity,
		I18N:         md.I18N,
		Data:         md.Data,
	}
	files := make(map[string]string, len(d.Content))
	for _, c := range d.Content {
		files[c.File] = c.Hash
		w.Contents = append(w.Contents, Content{Key: c.File, URL: m.url(c.Hash)})
	}
	if h, ok := files[md.Thumbnail]; ok {
		w.Thumbnail = m.url(h)
	}
	if h, ok := files[md.Image]; ok {
		w.Image = m.url(h)
	}
	return w, nil
}

func (m *Manager) url(hash string) string {
	return m.contentURL + "/contents/" + hash
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
