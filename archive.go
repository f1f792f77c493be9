package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
)

// ArchivedDocument is a delivered document on its way to the mail archive.
type ArchivedDocument struct {
	FileName  string
	Content   []byte
	Caption   string
	SessionID string
	Tipo      DocumentType
	Kind      string
	UserID    int64
	CreatedAt time.Time
}

type Archiver interface {
	Archive(ctx context.Context, doc ArchivedDocument) error
}

const defaultArchiveTimeout = 30 * time.Second

// ImapArchive appends each document as a message with the PDF attached to a
// mailbox on an IMAP server.
type ImapArchive struct {
	address  string
	username string
	password string
	mailbox  string
	// timeout bounds the dial, the TLS handshake, the greeting and every command.
	timeout  time.Duration
	log      zerolog.Logger

	// one connection at a time; the server sees appends in emission order
	mu sync.Mutex
}

func NewImapArchive(address, username, password, mailbox string, logger zerolog.Logger) *ImapArchive {
	return &ImapArchive{
		address:  address,
		username: username,
		password: password,
		mailbox:  mailbox,
		timeout:  defaultArchiveTimeout,
		log:      logger.With().Str("component", "archive").Logger(),
	}
}

func (a *ImapArchive) connect() (*client.Client, error) {
	conn, err := client.DialWithDialerTLS(&net.Dialer{Timeout: a.timeout}, a.address, nil)
	if err != nil {
		return nil, err
	}
	conn.Timeout = a.timeout
	if err := conn.Login(a.username, a.password); err != nil {
		conn.Logout()
		return nil, err
	}
	return conn, nil
}

func (a *ImapArchive) Archive(ctx context.Context, doc ArchivedDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildArchiveMessage(doc, a.username)
	if err != nil {
		return fmt.Errorf("building archive message: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	conn, err := a.connect()
	if err != nil {
		return fmt.Errorf("connecting to %v: %w", a.address, err)
	}
	defer conn.Logout()
	// closing the connection fails whatever command is in flight
	stop := context.AfterFunc(ctx, func() { conn.Terminate() })
	defer stop()

	if _, err := conn.Status(a.mailbox, []imap.StatusItem{imap.StatusMessages}); err != nil {
		a.log.Info().Str("mailbox", a.mailbox).Msg("creating archive mailbox")
		if err := conn.Create(a.mailbox); err != nil {
			return fmt.Errorf("creating mailbox %v: %w", a.mailbox, err)
		}
	}
	if err := conn.Append(a.mailbox, []string{imap.SeenFlag}, doc.CreatedAt, msg); err != nil {
		return fmt.Errorf("appending to %v: %w", a.mailbox, err)
	}
	a.log.Debug().Str("session", doc.SessionID).Str("file", doc.FileName).Msg("document archived")
	return nil
}

var ErrArchiveQueueFull = errors.New("archive queue full")

// ArchiveQueue hands documents to a background worker so a slow or
// unreachable archive never holds up delivery. Archive only enqueues.
type ArchiveQueue struct {
	target  Archiver
	queue   chan ArchivedDocument
	timeout time.Duration
	log     zerolog.Logger
}

func NewArchiveQueue(target Archiver, size int, logger zerolog.Logger) *ArchiveQueue {
	return &ArchiveQueue{
		target:  target,
		queue:   make(chan ArchivedDocument, size),
		timeout: 2 * defaultArchiveTimeout,
		log:     logger.With().Str("component", "archive").Logger(),
	}
}

// Archive enqueues doc and returns ErrArchiveQueueFull instead of blocking.
func (q *ArchiveQueue) Archive(_ context.Context, doc ArchivedDocument) error {
	select {
	case q.queue <- doc:
		return nil
	default:
		return ErrArchiveQueueFull
	}
}

// Run archives queued documents one at a time until ctx is done.
func (q *ArchiveQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.queue); n > 0 {
				q.log.Warn().Int("pending", n).Msg("archive stopped with documents still queued")
			}
			return
		case doc := <-q.queue:
			docCtx, cancel := context.WithTimeout(ctx, q.timeout)
			if err := q.target.Archive(docCtx, doc); err != nil {
				q.log.Warn().Err(err).Str("session", doc.SessionID).Str("file", doc.FileName).Msg("failed to archive document")
			}
			cancel()
		}
	}
}

func buildArchiveMessage(doc ArchivedDocument, from string) (*bytes.Buffer, error) {
	var h mail.Header
	h.SetDate(doc.CreatedAt)
	h.SetSubject(fmt.Sprintf("[%s] %s %s", doc.Tipo, doc.Kind, doc.SessionID))
	addr := []*mail.Address{{Name: "Comprobantes", Address: archiveAddress(from)}}
	h.SetAddressList("From", addr)
	h.SetAddressList("To", addr)

	buf := new(bytes.Buffer)
	mw, err := mail.CreateWriter(buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("%s\nSesión: %s\nUsuario: %d\n", doc.Caption, doc.SessionID, doc.UserID)
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "application/pdf")
	ah.SetFilename(doc.FileName)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(doc.Content); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

func archiveAddress(username string) string {
	if strings.Contains(username, "@") {
		return username
	}
	return "comprobantes@localhost"
}
