package flush

import (
	"github.com/CamStan/scr/internal/kvtree"
	"github.com/CamStan/scr/internal/transfer"
)

func encodeEntries(entries map[string]transfer.FileEntry) []byte {
	t := kvtree.New()
	for path, e := range entries {
		base := t.Sub(true, path)
		base.Set(e.Destination, "DESTINATION")
		base.SetInt(e.Size, "SIZE")
		base.SetInt(e.Written, "WRITTEN")
	}
	b, err := kvtree.EncodeBytes(t)
	if err != nil {
		return nil
	}
	return b
}

func decodeEntries(data []byte) map[string]transfer.FileEntry {
	out := make(map[string]transfer.FileEntry)
	t, err := kvtree.DecodeBytes(data)
	if err != nil {
		return out
	}
	for _, path := range t.Keys() {
		base := t.Sub(false, path)
		e := transfer.FileEntry{}
		e.Destination, _ = base.Get("DESTINATION")
		if v, ok := base.GetInt("SIZE"); ok {
			e.Size = v
		}
		if v, ok := base.GetInt("WRITTEN"); ok {
			e.Written = v
		}
		out[path] = e
	}
	return out
}
