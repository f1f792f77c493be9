package main

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArchiveMessage(t *testing.T) {
	doc := ArchivedDocument{
		FileName:  "comprobante1_ABC.pdf",
		Content:   []byte("%PDF-1.3 test"),
		Caption:   "✅ Comprobante Nequi generado por @o",
		SessionID: "s-1",
		Tipo:      TipoNequi,
		Kind:      KindPrimary,
		UserID:    5,
		CreatedAt: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
	buf, err := buildArchiveMessage(doc, "archivo@example.com")
	require.NoError(t, err)

	mr, err := mail.CreateReader(buf)
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "[comprobante1] primary s-1", subject)

	var body string
	var attachment []byte
	var filename string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			b, err := io.ReadAll(p.Body)
			require.NoError(t, err)
			body = string(b)
		case *mail.AttachmentHeader:
			filename, err = h.Filename()
			require.NoError(t, err)
			attachment, err = io.ReadAll(p.Body)
			require.NoError(t, err)
		}
	}
	assert.Contains(t, body, "Sesión: s-1")
	assert.Equal(t, "comprobante1_ABC.pdf", filename)
	assert.Equal(t, doc.Content, attachment)
}

func TestArchiveAddress(t *testing.T) {
	assert.Equal(t, "a@b.c", archiveAddress("a@b.c"))
	assert.Equal(t, "comprobantes@localhost", archiveAddress("user"))
}

// silentServer accepts connections and never writes to them.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestImapArchive_UnresponsiveServerTimesOut(t *testing.T) {
	a := NewImapArchive(silentServer(t), "user", "pass", "Comprobantes", zerolog.Nop())
	a.timeout = 200 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- a.Archive(context.Background(), ArchivedDocument{FileName: "x.pdf", Content: []byte("%PDF")})
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archive did not give up on a server that never answers")
	}
}

// blockingArchiver holds every call until release is closed.
type blockingArchiver struct {
	release chan struct{}
	mu      sync.Mutex
	docs    []ArchivedDocument
}

func (b *blockingArchiver) Archive(ctx context.Context, doc ArchivedDocument) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs = append(b.docs, doc)
	return nil
}

func (b *blockingArchiver) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs)
}

func TestArchiveQueue_NeverBlocksTheCaller(t *testing.T) {
	target := &blockingArchiver{release: make(chan struct{})}
	q := NewArchiveQueue(target, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	start := time.Now()
	require.NoError(t, q.Archive(ctx, ArchivedDocument{FileName: "a.pdf"}))
	// the worker picks up "a" and stalls on it, "b" fills the buffer
	require.Eventually(t, func() bool { return len(q.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Archive(ctx, ArchivedDocument{FileName: "b.pdf"}))
	assert.ErrorIs(t, q.Archive(ctx, ArchivedDocument{FileName: "c.pdf"}), ErrArchiveQueueFull)
	assert.Less(t, time.Since(start), time.Second)

	close(target.release)
	assert.Eventually(t, func() bool { return target.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEmitter_StalledArchiveDoesNotDelayDelivery(t *testing.T) {
	target := &blockingArchiver{release: make(chan struct{})}
	defer close(target.release)
	q := NewArchiveQueue(target, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	transport := &fakeTransport{}
	e := NewEmitter(&fakeRenderer{dir: t.TempDir()}, transport, nil, q, "@owner", zerolog.Nop())
	c := nequiCompletion(t)

	done := make(chan EmissionResult, 1)
	go func() { done <- e.Emit(ctx, 1, c) }()
	select {
	case res := <-done:
		assert.NoError(t, res.PrimaryErr)
		assert.NoError(t, res.MovementErr)
		assert.Len(t, transport.documents, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("emission waited on the archive")
	}
}
