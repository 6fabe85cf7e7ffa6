package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/artifact"
	"facemoji/internal/gateway"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/vision"
)

type fixedFaces []vision.Face

func (f fixedFaces) Landmarks(context.Context, []byte, string) ([]vision.Face, error) {
	return f, nil
}

func TestSubmitThroughWorkerToResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rendered, nil)
	log := logger.Nop()
	gw := gateway.New(h.cfg, h.st, h.b, h.arts, nil, log)

	overlay := vision.NewLandmarkOverlay(fixedFaces{{Box: image.Rect(30, 30, 130, 130)}}, nil, 90)
	p := NewProcessor(h.cfg, h.b, h.st, h.arts, overlay, NewMaterializer(h.st, h.arts, h.cache, nil, log), nil, log)

	photo := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(photo, imaging.New(160, 160, color.NRGBA{R: 90, G: 120, B: 150, A: 255}), nil))

	sub, err := gw.Submit(ctx, gateway.SubmitRequest{Image: photo.Bytes(), Emoji: "smile"})
	require.NoError(t, err)
	id := sub.Job.ID

	view, err := gw.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)
	_, err = gw.GetResult(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotReady)

	p.handle(ctx, h.receive(t))

	view, err = gw.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, view.Status)
	assert.Equal(t, artifact.ResultKey(id, 1, "jpg"), view.ResultRef)

	res, err := gw.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.ContentType)
	out, err := jpeg.Decode(bytes.NewReader(res.Body))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 160, 160), out.Bounds())
	assert.NotEqual(t, photo.Bytes(), res.Body)

	assert.Equal(t, []string{models.EventSubmitted, models.EventClaimed, models.EventSucceeded}, h.eventNames(id))
	assert.Equal(t, depth{}, h.depth(t))
}
