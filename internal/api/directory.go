package api

import (
	"sort"
	"sync"

	"github.com/kenneth/selfencrypt/selfencrypt/keymanager"
)

// objectRecord is everything the gateway needs to reconstruct one stored
// object: its encrypted data map (§4.6) and the caller-supplied metadata
// headers captured at PUT time. Losing this record loses the object even
// though its chunks remain in the chunk store — matching spec.md §3's data
// map lifecycle note that the data map is the only handle to the content.
type objectRecord struct {
	EncryptedDataMap []byte
	Metadata         map[string]string

	// KMSEnvelope and KMSIV are set only when a keymanager.KeyManager was
	// configured: EncryptedDataMap is then additionally AES-256-CFB
	// encrypted under a random at-rest key, and KMSEnvelope carries that
	// key wrapped by the external KMS (see Handler.wrapAtRest).
	KMSEnvelope *keymanager.KeyEnvelope
	KMSIV       []byte
}

// Directory is a minimal in-memory bucket/key -> objectRecord index for the
// demo gateway. spec.md §1 explicitly excludes disk-backed directory
// databases (the SQLite dedup-analyser kind) from the core; this is not
// that — it is the thin bucket/key lookup any host application needs to
// find which encrypted data map belongs to which object, equivalent to the
// teacher's S3 bucket itself acting as the object directory.
type Directory struct {
	mu      sync.RWMutex
	objects map[string]map[string]*objectRecord
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{objects: make(map[string]map[string]*objectRecord)}
}

// Put records or replaces the object at bucket/key.
func (d *Directory) Put(bucket, key string, rec *objectRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bkt, ok := d.objects[bucket]
	if !ok {
		bkt = make(map[string]*objectRecord)
		d.objects[bucket] = bkt
	}
	bkt[key] = rec
}

// Get returns the record at bucket/key, or false if absent.
func (d *Directory) Get(bucket, key string) (*objectRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bkt, ok := d.objects[bucket]
	if !ok {
		return nil, false
	}
	rec, ok := bkt[key]
	return rec, ok
}

// Delete removes the record at bucket/key, if present.
func (d *Directory) Delete(bucket, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bkt, ok := d.objects[bucket]; ok {
		delete(bkt, key)
	}
}

// List returns every key in bucket whose name starts with prefix, sorted.
func (d *Directory) List(bucket, prefix string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bkt := d.objects[bucket]
	keys := make([]string, 0, len(bkt))
	for k := range bkt {
		if len(prefix) == 0 || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
