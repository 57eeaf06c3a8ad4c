package transfer

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorTransferredInvariant(t *testing.T) {
	d := NewDescriptor("abc", Download, 100)
	assert.False(t, d.IsTransferred())
	assert.True(t, d.InFlight())

	d.AddTransferred(60)
	d.AddTransferred(40)
	assert.True(t, d.IsTransferred())
	assert.False(t, d.InFlight())

	f := NewDescriptor("def", Upload, 0)
	f.Forbidden = true
	assert.False(t, f.IsTransferred())
	assert.False(t, f.InFlight())
}

func TestForbiddenTransfersDeduplicates(t *testing.T) {
	var f ForbiddenTransfers
	assert.True(t, f.Add("b", "admin", Upload))
	assert.False(t, f.Add("b", "someone-else", Download))
	assert.True(t, f.Add("a", "admin", Download))

	entry, ok := f.Get("b")
	require.True(t, ok)
	assert.Equal(t, "admin", entry.ForbiddenBy)
	assert.True(t, f.Contains("a"))

	list := f.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Hash)
}

func TestEndpoints(t *testing.T) {
	base, err := url.Parse("https://relay.example:5000/")
	require.NoError(t, err)
	ticket := uuid.MustParse("7b6f3a52-2c1e-4c3f-9a0e-1f2d3c4b5a69")

	assert.Equal(t, "https://relay.example:5000/cache/get?requestId=7b6f3a52-2c1e-4c3f-9a0e-1f2d3c4b5a69", CacheGetURL(base, ticket))
	assert.Equal(t, "https://relay.example:5000/request/enqueue", EnqueueURL(base))
	assert.Equal(t, "https://relay.example:5000/files/uploadMunged/abc", UploadURL(base, "abc", true))
	assert.Equal(t, "https://relay.example:5000/files/upload/abc", UploadURL(base, "abc", false))
	assert.Equal(t, "relay.example:5000", HostKey(base))

	plain, _ := url.Parse("http://Relay.Example/files")
	assert.Equal(t, "relay.example:80", HostKey(plain))
}

func TestProgressTracker(t *testing.T) {
	pt := NewProgressTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pt.now = func() time.Time { return now }

	pt.Start("abcdef0123", Download, 2000)
	now = now.Add(time.Second)
	pt.Update("abcdef0123", Download, 1000)

	p, ok := pt.Get("abcdef0123", Download)
	require.True(t, ok)
	assert.InDelta(t, 1000, p.Speed, 0.1)
	assert.Equal(t, time.Second, p.EstimatedTime)
	assert.Contains(t, pt.Summary(), "abcdef01")

	pt.Finish("abcdef0123", Download)
	assert.Equal(t, "No active transfers", pt.Summary())
}
