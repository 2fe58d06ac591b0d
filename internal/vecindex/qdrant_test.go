package vecindex

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

func Test_Index_PointUUIDDeterministic(t *testing.T) {
	t.Parallel()

	id := ChunkPointID("file-abc", 3)
	if id != "file-abc_chunk_3" {
		t.Fatalf("unexpected logical id %q", id)
	}

	u1 := PointUUID(id)
	u2 := PointUUID(id)
	if u1 != u2 {
		t.Errorf("same logical id must map to same uuid: %s vs %s", u1, u2)
	}
	if PointUUID(ChunkPointID("file-abc", 4)) == u1 {
		t.Error("different chunk index must map to different uuid")
	}
	if PointUUID(ChunkPointID("file-xyz", 3)) == u1 {
		t.Error("different file must map to different uuid")
	}
}

func Test_Index_PayloadRoundTrip(t *testing.T) {
	t.Parallel()

	in := ChunkPayload{
		Text:       "chunk text",
		FileID:     "f1",
		KBID:       "k1",
		Source:     "notes.md",
		ChunkIndex: 7,
		Extra:      map[string]string{"author": "ops", "team": "infra"},
	}

	encoded := qdrant.NewValueMap(encodePayload("f1_chunk_7", in))
	id, out := decodePayload(encoded)

	if id != "f1_chunk_7" {
		t.Errorf("logical id lost: %q", id)
	}
	if out.Text != in.Text || out.FileID != in.FileID || out.KBID != in.KBID ||
		out.Source != in.Source || out.ChunkIndex != in.ChunkIndex {
		t.Errorf("tagged fields lost: %+v", out)
	}
	if out.Extra["author"] != "ops" || out.Extra["team"] != "infra" {
		t.Errorf("extra fields lost: %+v", out.Extra)
	}
}

func Test_Index_PayloadExtraCannotClobberTaggedFields(t *testing.T) {
	t.Parallel()

	m := encodePayload("id1", ChunkPayload{
		Text:  "real text",
		Extra: map[string]string{"text": "evil", "file_id": "evil", "_id": "evil"},
	})

	if m["text"] != "real text" {
		t.Errorf("extra clobbered text: %v", m["text"])
	}
	if m[payloadIDKey] != "id1" {
		t.Errorf("extra clobbered id: %v", m[payloadIDKey])
	}
}

func Test_Index_DistanceMapping(t *testing.T) {
	t.Parallel()

	if qdrantDistance(DistanceCosine) != qdrant.Distance_Cosine {
		t.Error("cosine mapping wrong")
	}
	if qdrantDistance(DistanceDot) != qdrant.Distance_Dot {
		t.Error("dot mapping wrong")
	}
	if qdrantDistance(DistanceEuclid) != qdrant.Distance_Euclid {
		t.Error("euclid mapping wrong")
	}
	if err := Distance("manhattan").validate(); err == nil {
		t.Error("want error for unknown distance")
	}
}
