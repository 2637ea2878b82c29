package drm

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// KIDFromInitSegment pulls the default key ID out of an init segment's tenc
// box. Used when neither the manifest nor the pssh payload named the kid.
func KIDFromInitSegment(data []byte) (string, error) {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse init segment: %w", err)
	}
	if f.Init == nil || f.Init.Moov == nil {
		return "", fmt.Errorf("init segment has no moov box")
	}
	for _, trak := range f.Init.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd == nil {
			continue
		}
		for _, child := range stsd.Children {
			var sinf *mp4.SinfBox
			switch entry := child.(type) {
			case *mp4.VisualSampleEntryBox:
				sinf = entry.Sinf
			case *mp4.AudioSampleEntryBox:
				sinf = entry.Sinf
			}
			if sinf != nil && sinf.Schi != nil && sinf.Schi.Tenc != nil && len(sinf.Schi.Tenc.DefaultKID) == 16 {
				return hex.EncodeToString(sinf.Schi.Tenc.DefaultKID), nil
			}
		}
	}
	return "", fmt.Errorf("init segment carries no tenc box")
}
