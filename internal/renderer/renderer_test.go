package renderer

import (
	"testing"

	"github.com/hexmonsignage/device-agent/pkg/models"
)

func TestRecorderCapturesLastOfEachKind(t *testing.T) {
	r := NewRecorder()

	r.MediaChange(MediaChange{Item: models.TimelineItem{ID: "a"}})
	r.PlaybackUpdate(PlaybackUpdate{Type: UpdateTransitionStart, DurationMs: 500})
	r.PlayerStatus(models.PlayerStatus{State: models.StatePlaybackRunning})
	r.DefaultMediaChanged(DefaultMediaChanged{MediaID: "d1"})

	if r.LastMediaChange == nil || r.LastMediaChange.Item.ID != "a" {
		t.Errorf("got %+v", r.LastMediaChange)
	}
	if r.LastUpdate == nil || r.LastUpdate.Type != UpdateTransitionStart {
		t.Errorf("got %+v", r.LastUpdate)
	}
	if r.LastStatus == nil || r.LastStatus.State != models.StatePlaybackRunning {
		t.Errorf("got %+v", r.LastStatus)
	}
	if r.LastDefaultMedia == nil || r.LastDefaultMedia.MediaID != "d1" {
		t.Errorf("got %+v", r.LastDefaultMedia)
	}
}
