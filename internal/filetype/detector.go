package filetype

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Info describes a staged input's detected type. Detection reads magic
// bytes, never the filename: sources arrive under temp names and remote
// keys lie about extensions often enough to matter.
type Info struct {
	MIMEType  string
	Extension string
}

// Detect sniffs the file at path.
func Detect(path string) (Info, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("detect file type: %w", err)
	}
	info := Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", path).Msg("detected file type")
	return info, nil
}

// IsPDF reports a native PDF input.
func (i Info) IsPDF() bool {
	return i.MIMEType == "application/pdf"
}

// IsImage reports a standalone page image. Only PNG and JPEG qualify:
// those are the formats the single-page PDF wrap accepts.
func (i Info) IsImage() bool {
	return i.MIMEType == "image/png" || i.MIMEType == "image/jpeg"
}
