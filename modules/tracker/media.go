package tracker

import (
	"strings"

	"kiroku/pkg/kiroku"
)

const (
	defaultDocumentMIME = "application/octet-stream"
	photoMIME           = "image/jpeg"
	photoFileName       = "photo.jpg"
	voiceFileName       = "voice.ogg"
	videoNoteFileName   = "video_note.mp4"
)

var mimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"application/pdf": "pdf",
}

// mediaClass is the download-independent part of a MediaSnapshot.
type mediaClass struct {
	kind     MediaKind
	mimeType string
	fileName string
}

// classifyAttachment decides whether attachment is worth downloading and how
// it would be re-sent. Contacts, locations, polls and unknown media are not.
func classifyAttachment(attachment *kiroku.Attachment) (mediaClass, bool) {
	if attachment == nil {
		return mediaClass{}, false
	}

	switch attachment.Type {
	case kiroku.AttachmentTypePhoto:
		return mediaClass{kind: MediaKindPhoto, mimeType: photoMIME, fileName: photoFileName}, true
	case kiroku.AttachmentTypeDocument:
		mimeType := attachment.MIMEType
		if mimeType == "" {
			mimeType = defaultDocumentMIME
		}
		switch {
		case attachment.Voice:
			return mediaClass{kind: MediaKindVoiceNote, mimeType: mimeType, fileName: voiceFileName}, true
		case attachment.RoundVideo:
			return mediaClass{kind: MediaKindVideoNote, mimeType: mimeType, fileName: videoNoteFileName}, true
		}

		fileName := attachment.FileName
		if fileName == "" {
			fileName = "file." + extensionForMIME(mimeType)
		}

		return mediaClass{kind: MediaKindDocument, mimeType: mimeType, fileName: fileName}, true
	default:
		return mediaClass{}, false
	}
}

// extensionForMIME maps a content type to a file extension, falling back to
// the MIME subtype and finally to "bin".
func extensionForMIME(mimeType string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	subtype := mimeType[strings.LastIndex(mimeType, "/")+1:]
	if subtype == "" {
		return "bin"
	}

	return subtype
}

// DescribeAttachment renders the short tag shown in place of media that could
// not be re-sent, for example "*photo*" or "*pdf file*".
func DescribeAttachment(attachment *kiroku.Attachment) string {
	if attachment == nil {
		return ""
	}

	switch attachment.Type {
	case kiroku.AttachmentTypePhoto:
		return "*photo*"
	case kiroku.AttachmentTypeDocument:
		return describeDocument(attachment)
	case kiroku.AttachmentTypeContact:
		return "*contact*"
	case kiroku.AttachmentTypeLocation:
		return "*location*"
	case kiroku.AttachmentTypePoll:
		return "*poll*"
	default:
		return "*media*"
	}
}

func describeDocument(attachment *kiroku.Attachment) string {
	switch {
	case attachment.Sticker:
		return "*sticker*"
	case attachment.Voice || attachment.MIMEType == "audio/ogg":
		return "*voice message*"
	case attachment.Video:
		return "*video message*"
	case attachment.Audio:
		return "*audio file*"
	case attachment.MIMEType == "":
		return "*file*"
	}

	fileType := "file"
	if attachment.FileName != "" {
		if dot := strings.LastIndex(attachment.FileName, "."); dot >= 0 {
			if ext := strings.ToLower(attachment.FileName[dot+1:]); ext != "" {
				fileType = ext + " file"
			}
		}
	} else if parts := strings.Split(attachment.MIMEType, "/"); len(parts) == 2 {
		fileType = parts[1] + " file"
	}

	return "*" + fileType + "*"
}
