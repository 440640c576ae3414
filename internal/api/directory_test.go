package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryPutGetDelete(t *testing.T) {
	d := NewDirectory()

	_, ok := d.Get("bucket", "key")
	assert.False(t, ok)

	rec := &objectRecord{EncryptedDataMap: []byte("dm"), Metadata: map[string]string{"Content-Type": "text/plain"}}
	d.Put("bucket", "key", rec)

	got, ok := d.Get("bucket", "key")
	assert.True(t, ok)
	assert.Equal(t, rec, got)

	d.Delete("bucket", "key")
	_, ok = d.Get("bucket", "key")
	assert.False(t, ok)
}

func TestDirectoryListSortedAndFiltered(t *testing.T) {
	d := NewDirectory()
	d.Put("bucket", "zebra.txt", &objectRecord{})
	d.Put("bucket", "apple.txt", &objectRecord{})
	d.Put("bucket", "logs/1.log", &objectRecord{})
	d.Put("other-bucket", "logs/2.log", &objectRecord{})

	all := d.List("bucket", "")
	assert.Equal(t, []string{"apple.txt", "logs/1.log", "zebra.txt"}, all)

	filtered := d.List("bucket", "logs/")
	assert.Equal(t, []string{"logs/1.log"}, filtered)

	assert.Empty(t, d.List("nonexistent", ""))
}
