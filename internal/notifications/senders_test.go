package notifications

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
)

func testMessage() *Message {
	return &Message{
		To:       "ana@example.com",
		Subject:  "Evento cancelado: Gophers Málaga",
		HTMLBody: "<p>Hola, el evento ha sido cancelado.</p>",
	}
}

func TestLogSender_Send(t *testing.T) {
	if err := NewLogSender(zap.NewNop()).Send(context.Background(), testMessage()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestBuildMIME_HTMLOnly(t *testing.T) {
	raw, err := buildMIME("Community <noreply@example.com>", testMessage(), time.Now())
	if err != nil {
		t.Fatalf("buildMIME() error = %v", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a valid message: %v", err)
	}

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	if err != nil || subject != "Evento cancelado: Gophers Málaga" {
		t.Errorf("subject = %q, err = %v", subject, err)
	}
	if got := msg.Header.Get("To"); got != "ana@example.com" {
		t.Errorf("To = %q", got)
	}
	if !strings.HasSuffix(msg.Header.Get("Message-Id"), "@example.com>") {
		t.Errorf("Message-ID = %q", msg.Header.Get("Message-Id"))
	}

	body, _ := io.ReadAll(quotedprintable.NewReader(msg.Body))
	if string(body) != "<p>Hola, el evento ha sido cancelado.</p>" {
		t.Errorf("body = %q", body)
	}
}

func TestBuildMIME_WithAttachments(t *testing.T) {
	pdf := bytes.Repeat([]byte("%PDF-1.7 "), 40)
	m := testMessage()
	m.Attachments = []db.Attachment{
		db.NewAttachment("ticket.pdf", "application/pdf", pdf),
		db.NewAttachment("event.ics", "", []byte("BEGIN:VCALENDAR")),
	}

	raw, err := buildMIME("noreply@example.com", m, time.Now())
	if err != nil {
		t.Fatalf("buildMIME() error = %v", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a valid message: %v", err)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("content type = %q, err = %v", mediaType, err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])

	var parts []*multipart.Part
	var contents [][]byte
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		// multipart.Reader decodes quoted-printable but not base64.
		data, _ := io.ReadAll(p)
		parts = append(parts, p)
		contents = append(contents, data)
	}

	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if got := parts[1].FileName(); got != "ticket.pdf" {
		t.Errorf("attachment filename = %q", got)
	}
	if got := parts[2].Header.Get("Content-Type"); !strings.HasPrefix(got, "application/octet-stream") {
		t.Errorf("default content type = %q", got)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(contents[1])), "\r\n") {
		if len(line) > 76 {
			t.Errorf("base64 line too long: %d", len(line))
		}
	}
}

type mockSES struct {
	input *ses.SendRawEmailInput
	err   error
}

func (m *mockSES) SendRawEmail(_ context.Context, in *ses.SendRawEmailInput, _ ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendRawEmailOutput{MessageId: aws.String("0100018c-ses")}, nil
}

func TestSESSender_Send(t *testing.T) {
	client := &mockSES{}
	s := NewSESSenderWithClient(client, "noreply@example.com", zap.NewNop())

	if err := s.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := aws.ToString(client.input.Source); got != "noreply@example.com" {
		t.Errorf("Source = %q", got)
	}
	if len(client.input.Destinations) != 1 || client.input.Destinations[0] != "ana@example.com" {
		t.Errorf("Destinations = %v", client.input.Destinations)
	}
	if !bytes.Contains(client.input.RawMessage.Data, []byte("From: noreply@example.com")) {
		t.Error("raw message missing From header")
	}
}

func TestSESSender_Error(t *testing.T) {
	s := NewSESSenderWithClient(&mockSES{err: errors.New("MessageRejected")}, "noreply@example.com", zap.NewNop())

	if err := s.Send(context.Background(), testMessage()); err == nil {
		t.Error("expected error")
	}
}

func TestNewSMTPSender_Validation(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{From: "a@b.c"}, zap.NewNop()); err == nil {
		t.Error("expected error without host")
	}
	s, err := NewSMTPSender(SMTPConfig{Host: "localhost", From: "a@b.c"}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.config.Port != 587 {
		t.Errorf("default port = %d", s.config.Port)
	}
}

// fakeSMTPServer accepts one session and records the envelope and data.
type fakeSMTPServer struct {
	ln   net.Listener
	mu   sync.Mutex
	from string
	to   []string
	data string
	done chan struct{}
}

func newFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTPServer{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)

	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		upper := strings.ToUpper(cmd)

		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mu.Lock()
			s.from = strings.Trim(cmd[len("MAIL FROM:"):], "<> ")
			s.mu.Unlock()
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			s.mu.Lock()
			s.to = append(s.to, strings.Trim(cmd[len("RCPT TO:"):], "<> "))
			s.mu.Unlock()
			reply("250 OK")
		case upper == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func TestSMTPSender_Send(t *testing.T) {
	srv := newFakeSMTPServer(t)
	host, port, _ := net.SplitHostPort(srv.ln.Addr().String())

	portNum, _ := strconv.Atoi(port)

	s, err := NewSMTPSender(SMTPConfig{Host: host, Port: portNum, From: "Community <noreply@example.com>"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSMTPSender() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Send(ctx, testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.from != "noreply@example.com" {
		t.Errorf("MAIL FROM = %q", srv.from)
	}
	if len(srv.to) != 1 || srv.to[0] != "ana@example.com" {
		t.Errorf("RCPT TO = %v", srv.to)
	}
	if !strings.Contains(srv.data, "Content-Type: text/html; charset=utf-8") {
		t.Errorf("data missing html content type:\n%s", srv.data)
	}
}

func TestSMTPSender_DialError(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	s, _ := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, From: "a@example.com"}, zap.NewNop())
	if err := s.Send(context.Background(), testMessage()); err == nil {
		t.Error("expected dial error")
	}
}
