package chunking

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

type fakeSource struct {
	pages    int
	size     int64
	sliceErr error
}

func (s *fakeSource) PageCount() int { return s.pages }
func (s *fakeSource) Size() int64    { return s.size }
func (s *fakeSource) Bytes() []byte  { return []byte("whole") }

func (s *fakeSource) Slice(r models.PageRange) ([]byte, error) {
	if s.sliceErr != nil {
		return nil, s.sliceErr
	}
	return []byte("pages " + r.String()), nil
}

func TestRangesPartitionPages(t *testing.T) {
	for pages := 1; pages <= 40; pages++ {
		for width := 1; width <= 12; width++ {
			ranges := Ranges(pages, width)
			require.Len(t, ranges, (pages+width-1)/width, "pages=%d width=%d", pages, width)

			next := 1
			for i, r := range ranges {
				assert.Equal(t, next, r.Start)
				assert.True(t, r.Valid())
				if i < len(ranges)-1 {
					assert.Equal(t, width, r.Pages())
				} else {
					assert.LessOrEqual(t, r.Pages(), width)
				}
				next = r.End + 1
			}
			assert.Equal(t, pages+1, next, "ranges must cover every page")
		}
	}
	assert.Empty(t, Ranges(0, 3))
}

func TestShouldChunk(t *testing.T) {
	opts := Options{PagesPerChunk: 1, PageThreshold: 10, SizeThresholdMB: 5}
	assert.False(t, ShouldChunk(opts, 10, 5*bytesPerMB))
	assert.True(t, ShouldChunk(opts, 11, 1024))
	assert.True(t, ShouldChunk(opts, 1, 5*bytesPerMB+1))
}

func TestPlanSmallDocumentIsSingleChunk(t *testing.T) {
	p := NewPlanner(DefaultOptions(), logger.NewNop())
	chunks, err := p.Plan(&fakeSource{pages: 1, size: 1024})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.PageRange{Start: 1, End: 1}, chunks[0].Pages)
	assert.Equal(t, []byte("whole"), chunks[0].Payload)
}

func TestPlanSplitsLargeDocument(t *testing.T) {
	p := NewPlanner(Options{PagesPerChunk: 3, PageThreshold: 5, SizeThresholdMB: 50}, logger.NewNop())
	chunks, err := p.Plan(&fakeSource{pages: 10, size: 1024})
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, []byte("pages "+c.Pages.String()), c.Payload)
	}
	assert.Equal(t, models.PageRange{Start: 10, End: 10}, chunks[3].Pages)
}

func TestPlanRejectsEmptyDocument(t *testing.T) {
	p := NewPlanner(DefaultOptions(), logger.NewNop())
	_, err := p.Plan(&fakeSource{pages: 0})
	assert.ErrorIs(t, err, models.ErrInvalidDocument)
}

func TestPlanSliceFailureIsInvalidDocument(t *testing.T) {
	cause := errors.New("broken xref")
	p := NewPlanner(DefaultOptions(), logger.NewNop())
	_, err := p.Plan(&fakeSource{pages: 4, size: 10, sliceErr: cause})
	assert.ErrorIs(t, err, models.ErrInvalidDocument)
	assert.ErrorIs(t, err, cause)
}

func TestPlanDescriptorCountMatchesRanges(t *testing.T) {
	for _, pages := range []int{2, 7, 64} {
		t.Run(fmt.Sprint(pages), func(t *testing.T) {
			p := NewPlanner(Options{PagesPerChunk: 4, PageThreshold: 1, SizeThresholdMB: 5}, logger.NewNop())
			chunks, err := p.Plan(&fakeSource{pages: pages})
			require.NoError(t, err)
			assert.Len(t, chunks, (pages+3)/4)
		})
	}
}
