package tracker

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ReportKind identifies why a report was produced.
type ReportKind string

const (
	// ReportKindDeleted reports an unread message that was deleted.
	ReportKindDeleted ReportKind = "deleted"
	// ReportKindEdited reports an unread message that was edited.
	ReportKindEdited ReportKind = "edited"
)

const (
	deletedTitle       = "🗑 Удалённое сообщение"
	editedTitle        = "✏️ Изменённое сообщение"
	emptyMessageText   = "(пустое сообщение)"
	mediaChangedText   = "Медиа изменено."
	textUnchangedText  = "(текст не изменён)"
	messageLinkPrefix  = "https://t.me/c/"
	headerTimestampFmt = "2006-01-02 15:04"
)

// Report is one rendered notification ready for delivery.
type Report struct {
	ID   string
	Kind ReportKind
	// Text is the message body, or the caption when Media is set.
	Text       string
	Media      *MediaSnapshot
	MessageID  int
	SenderName string
	ChatLabel  string
}

func newReportID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate report id: %w", err)
	}

	return id.String(), nil
}

// renderHeader builds the common report header. The deep link is present only
// when the conversation is known.
func renderHeader(title string, kind ReportKind, snapshot Snapshot) string {
	lines := []string{
		title + " #" + string(kind),
		"От: " + snapshot.SenderName,
		"Чат: " + snapshot.ChatLabel,
		"Время: " + snapshot.SentAt.UTC().Format(headerTimestampFmt),
	}
	if snapshot.Peer.ID != 0 {
		lines = append(lines, "Ссылка: "+messageLinkPrefix+
			strconv.FormatInt(snapshot.Peer.ID, 10)+"/"+strconv.Itoa(snapshot.MessageID))
	}

	return strings.Join(lines, "\n")
}

// renderDeletion renders the report for a deleted message. With media the
// text becomes the caption of a single media send.
func renderDeletion(snapshot Snapshot) Report {
	report := Report{
		Kind:       ReportKindDeleted,
		MessageID:  snapshot.MessageID,
		SenderName: snapshot.SenderName,
		ChatLabel:  snapshot.ChatLabel,
	}
	header := renderHeader(deletedTitle, ReportKindDeleted, snapshot)

	if snapshot.Media != nil {
		report.Media = snapshot.Media
		report.Text = header
		if snapshot.Text != "" {
			report.Text = header + "\n\n" + snapshot.Text
		}
		return report
	}

	lines := []string{header}
	if snapshot.Text != "" {
		lines = append(lines, "", snapshot.Text)
	}
	if snapshot.MediaDescription != "" {
		lines = append(lines, snapshot.MediaDescription)
	}
	if snapshot.Text == "" && snapshot.MediaDescription == "" {
		lines = append(lines, emptyMessageText)
	}
	report.Text = strings.Join(lines, "\n")

	return report
}

// renderEdit renders the report for an edited message. cached is the
// snapshot before the edit was applied.
func renderEdit(cached Snapshot, newText string, change Change) (Report, error) {
	lines := []string{renderHeader(editedTitle, ReportKindEdited, cached), ""}
	if change.MediaChanged {
		lines = append(lines, mediaChangedText)
	}

	switch {
	case cached.Text != "" && newText != "":
		diffLines, err := lineDiff(cached.Text, newText)
		if err != nil {
			return Report{}, fmt.Errorf("render edit of message %d: %w", cached.MessageID, err)
		}
		if len(diffLines) == 0 {
			lines = append(lines, textUnchangedText)
		} else {
			lines = append(lines, strings.Join(diffLines, "\n"))
		}
	case cached.Text != "":
		lines = append(lines, "Было:\n"+cached.Text)
	case newText != "":
		lines = append(lines, "Стало:\n"+newText)
	}

	return Report{
		Kind:       ReportKindEdited,
		Text:       strings.Join(lines, "\n"),
		MessageID:  cached.MessageID,
		SenderName: cached.SenderName,
		ChatLabel:  cached.ChatLabel,
	}, nil
}
