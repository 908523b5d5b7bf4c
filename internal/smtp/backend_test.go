package smtp

import (
	"context"
	"encoding/base64"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/service"
	"tempmail/engine/internal/storage/memory"
)

type harness struct {
	clock     *clock.Fake
	mailboxes *service.MailboxService
	messages  *service.MessageService
	backend   *Backend
	metrics   *monitoring.Metrics
	addr      string
}

func testSMTPConfig() config.SMTPConfig {
	return config.SMTPConfig{
		Domain:          "temp.mail",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxRecipients:   10,
		DeliveryTimeout: 5 * time.Second,
	}
}

func newHarness(t *testing.T, cfg config.SMTPConfig) *harness {
	t.Helper()

	clk := clock.NewFake(time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	mailboxes := service.NewMailboxService(store, config.MailboxConfig{
		Domain: "temp.mail", TTL: 24 * time.Hour, IDBytes: 8, MaxAllocateAttempts: 3,
	}, clk, nil)
	messages := service.NewMessageService(store, mailboxes, true, nil)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	messages.SetMetrics(metrics)
	backend := NewBackend(messages, cfg, nil)
	backend.SetMetrics(metrics)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(backend, cfg, nil)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &harness{
		clock:     clk,
		mailboxes: mailboxes,
		messages:  messages,
		backend:   backend,
		metrics:   metrics,
		addr:      l.Addr().String(),
	}
}

func (h *harness) send(from string, to []string, payload []byte) error {
	c, err := gosmtp.Dial(h.addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.SendMail(from, to, strings.NewReader(string(payload)))
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, code, smtpErr.Code)
}

func TestSession_Deliver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSMTPConfig())

	mb, err := h.mailboxes.Allocate(ctx)
	require.NoError(t, err)

	t.Run("接收并保存邮件", func(t *testing.T) {
		err := h.send("sender@example.org", []string{mb.Address}, crlf(
			"From: Sender <sender@example.org>",
			"To: "+mb.Address,
			"Subject: welcome",
			"",
			"hi there",
		))
		require.NoError(t, err)

		list, err := h.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "sender@example.org", list[0].From)
		assert.Equal(t, "welcome", list[0].Subject)
		assert.Equal(t, "hi there\r\n", list[0].TextContent)
		assert.Equal(t, h.clock.Now(), list[0].ReceivedAt)
	})

	t.Run("缺少主题和发件人头部时使用默认值", func(t *testing.T) {
		err := h.send("", []string{mb.Address}, crlf(
			"Content-Type: text/plain",
			"",
			"anonymous",
		))
		require.NoError(t, err)

		list, err := h.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, domain.NoSubject, list[0].Subject)
		assert.Equal(t, domain.UnknownSender, list[0].From)
	})

	t.Run("发件人头部缺失时使用信封发件人", func(t *testing.T) {
		err := h.send("Envelope@Example.org", []string{mb.Address}, crlf("Subject: env", "", "x"))
		require.NoError(t, err)

		list, err := h.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		assert.Equal(t, "envelope@example.org", list[0].From)
	})

	t.Run("附件往返保持不变", func(t *testing.T) {
		other, err := h.mailboxes.Allocate(ctx)
		require.NoError(t, err)

		content := []byte("col1,col2\n1,2\n\x00\xff")
		err = h.send("a@example.org", []string{other.Address}, crlf(
			"Subject: report",
			`Content-Type: multipart/mixed; boundary="zz"`,
			"",
			"--zz",
			"Content-Type: text/plain",
			"",
			"see attached",
			"--zz",
			`Content-Type: text/csv; name="report.csv"`,
			`Content-Disposition: attachment; filename="report.csv"`,
			"Content-Transfer-Encoding: base64",
			"",
			base64.StdEncoding.EncodeToString(content),
			"--zz--",
		))
		require.NoError(t, err)

		list, err := h.messages.List(ctx, other.Address)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Len(t, list[0].Attachments, 1)

		att := list[0].Attachments[0]
		assert.Equal(t, "report.csv", att.Filename)
		assert.Equal(t, "text/csv", att.ContentType)
		assert.Equal(t, int64(len(content)), att.SizeBytes)
		decoded, err := att.Bytes()
		require.NoError(t, err)
		assert.Equal(t, content, decoded)
	})

	t.Run("带字符集的文本附件往返保持不变", func(t *testing.T) {
		other, err := h.mailboxes.Allocate(ctx)
		require.NoError(t, err)

		content := []byte("caf\xe9 na\xefve\r\n")
		err = h.send("a@example.org", []string{other.Address}, crlf(
			"Subject: latin1",
			`Content-Type: multipart/mixed; boundary="yy"`,
			"",
			"--yy",
			"Content-Type: text/plain",
			"",
			"see attached",
			"--yy",
			"Content-Type: text/plain; charset=iso-8859-1",
			`Content-Disposition: attachment; filename="notes.txt"`,
			"Content-Transfer-Encoding: base64",
			"",
			base64.StdEncoding.EncodeToString(content),
			"--yy--",
		))
		require.NoError(t, err)

		list, err := h.messages.List(ctx, other.Address)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Len(t, list[0].Attachments, 1)

		att := list[0].Attachments[0]
		assert.Equal(t, int64(len(content)), att.SizeBytes)
		decoded, err := att.Bytes()
		require.NoError(t, err)
		assert.Equal(t, content, decoded)
	})

	t.Run("To 头部优先于信封收件人", func(t *testing.T) {
		target, err := h.mailboxes.Allocate(ctx)
		require.NoError(t, err)

		err = h.send("a@example.org", []string{mb.Address}, crlf(
			"To: "+target.Address,
			"Subject: routed",
			"",
			"x",
		))
		require.NoError(t, err)

		list, err := h.messages.List(ctx, target.Address)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "routed", list[0].Subject)
	})
}

func TestSession_Reject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSMTPConfig())

	t.Run("过期邮箱返回 550 且不保存", func(t *testing.T) {
		mb, err := h.mailboxes.Allocate(ctx)
		require.NoError(t, err)
		h.clock.Set(mb.ExpiresAt.Add(time.Second))
		defer h.clock.Set(mb.CreatedAt)

		err = h.send("a@example.org", []string{mb.Address}, crlf("Subject: late", "", "x"))
		requireCode(t, err, 550)

		list, err := h.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("未知邮箱返回 550", func(t *testing.T) {
		err := h.send("a@example.org", []string{"0000000000000000@temp.mail"}, crlf("Subject: x", "", "x"))
		requireCode(t, err, 550)
	})

	t.Run("无法解析的邮件返回 554", func(t *testing.T) {
		mb, err := h.mailboxes.Allocate(ctx)
		require.NoError(t, err)

		err = h.send("a@example.org", []string{mb.Address}, []byte("not-a-header\r\n\r\nbody\r\n"))
		requireCode(t, err, 554)

		list, err := h.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesRejected.WithLabelValues(monitoring.RejectParse)))
	})

	t.Run("停滞的会话超时后不保存部分邮件", func(t *testing.T) {
		cfg := testSMTPConfig()
		cfg.ReadTimeout = 300 * time.Millisecond
		slow := newHarness(t, cfg)

		mb, err := slow.mailboxes.Allocate(ctx)
		require.NoError(t, err)

		conn, err := net.Dial("tcp", slow.addr)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		tc := textproto.NewConn(conn)
		step := func(line string, code int) {
			t.Helper()
			if line != "" {
				require.NoError(t, tc.PrintfLine("%s", line))
			}
			_, _, err := tc.ReadResponse(code)
			require.NoError(t, err)
		}
		step("", 220)
		step("EHLO localhost", 250)
		step("MAIL FROM:<a@example.org>", 250)
		step("RCPT TO:<"+mb.Address+">", 250)
		step("DATA", 354)

		// 只发送一半邮件，不发送结束标记
		require.NoError(t, tc.PrintfLine("Subject: partial"))
		require.NoError(t, tc.PrintfLine(""))
		require.NoError(t, tc.PrintfLine("half a body"))

		code, _, err := tc.ReadResponse(4)
		require.NoError(t, err)
		assert.Equal(t, 421, code)

		list, err := slow.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Equal(t, 1.0, testutil.ToFloat64(slow.metrics.MessagesRejected.WithLabelValues(monitoring.RejectTransport)))

		err = slow.send("a@example.org", []string{mb.Address}, crlf("Subject: complete", "", "x"))
		require.NoError(t, err)
		list, err = slow.messages.List(ctx, mb.Address)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "complete", list[0].Subject)
	})

	t.Run("拒收后监听器继续工作", func(t *testing.T) {
		mb, err := h.mailboxes.Allocate(ctx)
		require.NoError(t, err)

		err = h.send("a@example.org", []string{mb.Address}, crlf("Subject: ok", "", "x"))
		assert.NoError(t, err)
	})
}

func TestSession_FanOut(t *testing.T) {
	ctx := context.Background()
	cfg := testSMTPConfig()
	cfg.FanOut = true
	h := newHarness(t, cfg)

	first, err := h.mailboxes.Allocate(ctx)
	require.NoError(t, err)
	second, err := h.mailboxes.Allocate(ctx)
	require.NoError(t, err)

	t.Run("每个信封收件人独立投递", func(t *testing.T) {
		err := h.send("a@example.org", []string{first.Address, second.Address, "0000000000000000@temp.mail"},
			crlf("Subject: many", "", "x"))
		require.NoError(t, err)

		for _, mb := range []*domain.Mailbox{first, second} {
			list, err := h.messages.List(ctx, mb.Address)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		}
	})

	t.Run("全部失败时拒收", func(t *testing.T) {
		err := h.send("a@example.org", []string{"0000000000000000@temp.mail", "1111111111111111@temp.mail"},
			crlf("Subject: none", "", "x"))
		requireCode(t, err, 550)
	})
}

func TestBackend_ConnectionLimit(t *testing.T) {
	cfg := testSMTPConfig()
	cfg.MaxConnections = 1
	h := newHarness(t, cfg)

	first, err := gosmtp.Dial(h.addr)
	require.NoError(t, err)
	require.NoError(t, first.Hello("localhost"))
	assert.Equal(t, 1, h.backend.ActiveSessions())

	second, err := gosmtp.Dial(h.addr)
	require.NoError(t, err)
	defer second.Close()
	requireCode(t, second.Hello("localhost"), 421)

	require.NoError(t, first.Quit())
	assert.Eventually(t, func() bool { return h.backend.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)

	third, err := gosmtp.Dial(h.addr)
	require.NoError(t, err)
	defer third.Close()
	assert.NoError(t, third.Hello("localhost"))
}
