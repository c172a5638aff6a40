package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrderingVideoBeforeAudioDescendingResolution(t *testing.T) {
	raw := &rawDump{
		Title:    "clip",
		Duration: 125,
		Formats: []rawFmt{
			{FormatID: "a1", Ext: "m4a", ACodec: "aac", VCodec: "none", Filesize: 1000},
			{FormatID: "v1", Ext: "mp4", VCodec: "avc1", ACodec: "none", Height: 360, Filesize: 2000},
			{FormatID: "v2", Ext: "mp4", VCodec: "avc1", ACodec: "none", Height: 1080, Filesize: 5000},
			{FormatID: "v3", Ext: "webm", VCodec: "vp9", ACodec: "none", Height: 720, Filesize: 3000},
		},
	}

	info := normalize(raw)

	assert.Equal(t, "2:05", info.Duration)
	if assert.Len(t, info.Formats, 4) {
		assert.Equal(t, KindVideo, info.Formats[0].Kind)
		assert.Equal(t, "v2", info.Formats[0].FormatID)
		assert.Equal(t, "v3", info.Formats[1].FormatID)
		assert.Equal(t, "v1", info.Formats[2].FormatID)
		assert.Equal(t, KindAudio, info.Formats[3].Kind)
		assert.Equal(t, "a1", info.Formats[3].FormatID)
	}
}

func TestNormalizeCanonicalizesContainerExt(t *testing.T) {
	raw := &rawDump{
		Formats: []rawFmt{
			{FormatID: "a1", Ext: "m4a", ACodec: "aac", VCodec: "none", Filesize: 100},
			{FormatID: "v1", Ext: "webmv", VCodec: "vp9", ACodec: "none", Height: 480, Filesize: 100},
			{FormatID: "a2", Ext: "ogg", ACodec: "opus", VCodec: "none", Filesize: 100},
		},
	}

	info := normalize(raw)

	byID := map[string]FormatDescriptor{}
	for _, f := range info.Formats {
		byID[f.FormatID] = f
	}
	assert.Equal(t, "mp4", byID["a1"].ContainerExt)
	assert.Equal(t, "webm", byID["v1"].ContainerExt)
	assert.Equal(t, "opus", byID["a2"].ContainerExt)
}

func TestNormalizeDedupesByKindExtResolutionPreferringKnownSize(t *testing.T) {
	raw := &rawDump{
		Formats: []rawFmt{
			{FormatID: "v-nosize", Ext: "mp4", VCodec: "avc1", ACodec: "none", Height: 720},
			{FormatID: "v-withsize", Ext: "mp4", VCodec: "avc1", ACodec: "none", Height: 720, Filesize: 4096},
		},
	}

	info := normalize(raw)

	if assert.Len(t, info.Formats, 1) {
		assert.Equal(t, "v-withsize", info.Formats[0].FormatID)
		assert.NotEqual(t, "unknown", info.Formats[0].Filesize)
	}
}

func TestNormalizeDropsManifestAndCodecLessFormats(t *testing.T) {
	raw := &rawDump{
		Formats: []rawFmt{
			{FormatID: "dash", Ext: "mp4", VCodec: "avc1", ACodec: "none", Height: 720, Protocol: "http_dash_segments"},
			{FormatID: "storyboard", Ext: "mhtml", VCodec: "none", ACodec: "none"},
			{FormatID: "v1", Ext: "mp4", VCodec: "avc1", ACodec: "none", Height: 720, Filesize: 100},
		},
	}

	info := normalize(raw)

	if assert.Len(t, info.Formats, 1) {
		assert.Equal(t, "v1", info.Formats[0].FormatID)
	}
}

func TestFormatDurationVariants(t *testing.T) {
	assert.Equal(t, "unknown", formatDuration(0))
	assert.Equal(t, "unknown", formatDuration(-5))
	assert.Equal(t, "0:45", formatDuration(45))
	assert.Equal(t, "2:05", formatDuration(125))
	assert.Equal(t, "1:00:00", formatDuration(3600))
}

func TestDeriveFilesizeApproxPrefixed(t *testing.T) {
	size, ok := deriveFilesize(rawFmt{FilesizeApprox: 1048576})
	assert.True(t, ok)
	assert.Contains(t, size, "~")
}

func TestDeriveFilesizeUnknownWhenAbsent(t *testing.T) {
	size, ok := deriveFilesize(rawFmt{})
	assert.False(t, ok)
	assert.Equal(t, "unknown", size)
}

func TestFormatFilesizeTwoDecimalPrecision(t *testing.T) {
	assert.Equal(t, "512 B", formatFilesize(512))
	assert.Equal(t, "42.13 MB", formatFilesize(42130000))
	assert.Equal(t, "8.50 MB", formatFilesize(8500000))
}

func TestFetchFastMetadataNoopWhenUnconfigured(t *testing.T) {
	c := New(Config{})
	meta := c.fetchFastMetadata(context.Background(), "https://example.test/watch")
	assert.Equal(t, fastMetadata{}, meta)
}

func TestClassifyExitErrMapsKinds(t *testing.T) {
	assert.True(t, IsUnsupported(classifyExitErr(errString("Unsupported URL: foo"))))
	assert.True(t, IsUnavailable(classifyExitErr(errString("ERROR: Private video"))))
	assert.True(t, IsTimeout(classifyExitErr(errString("signal: killed"))))
	assert.False(t, IsNotFound(classifyExitErr(errString("some other failure"))))
}

type errString string

func (e errString) Error() string { return string(e) }
