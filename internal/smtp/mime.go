package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"tempmail/engine/internal/domain"
)

func init() {
	// 非 UTF-8 正文（GBK、Big5、Shift_JIS 等）按 WHATWG 编码表转换
	message.CharsetReader = charsetReader
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	From        string
	To          []string
	Subject     string
	Text        string
	HTML        *string
	Attachments []domain.Attachment
}

// ParseEmail 解析邮件，提取文本、HTML 和附件。
//
// 头部或 MIME 结构无法解析时返回包装了 domain.ErrParseFailure 的错误。
// 正文部分转换为 UTF-8；附件只解开传输编码，字节保持原样。
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", domain.ErrParseFailure, err)
	}
	header := mail.Header{Header: message.Header{Header: th}}

	parsed := &ParsedEmail{
		Attachments: make([]domain.Attachment, 0),
	}

	// 解码失败的头部保留原文
	if subject, err := header.Subject(); err == nil {
		parsed.Subject = strings.TrimSpace(subject)
	} else {
		parsed.Subject = strings.TrimSpace(header.Get("Subject"))
	}
	parsed.From = firstAddress(&header, "From")
	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.To = append(parsed.To, domain.NormalizeAddress(addr.Address))
		}
	}

	w := &partWalker{parsed: parsed}
	if err := w.walk(header.Header, br); err != nil {
		return nil, err
	}

	switch {
	case w.text != nil:
		parsed.Text = *w.text
	case parsed.HTML != nil:
		parsed.Text = html2text.HTML2Text(*parsed.HTML)
	}

	return parsed, nil
}

// partWalker 深度优先遍历 MIME 树
type partWalker struct {
	parsed *ParsedEmail
	text   *string
}

func (w *partWalker) walk(h message.Header, body io.Reader) error {
	mediaType, params, _ := h.ContentType()
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := textproto.NewMultipartReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: read part: %w", domain.ErrParseFailure, err)
			}
			if err := w.walk(message.Header{Header: part.Header}, part); err != nil {
				return err
			}
		}
	}

	disp, dispParams, _ := h.ContentDisposition()
	if strings.HasPrefix(mediaType, "text/") && disp != "attachment" {
		return w.textPart(h, mediaType, body)
	}

	content, err := io.ReadAll(decodeTransfer(h, body))
	if err != nil {
		return fmt.Errorf("%w: read attachment: %w", domain.ErrParseFailure, err)
	}
	// 内联图片等非文本部分同样按附件保存
	w.parsed.Attachments = append(w.parsed.Attachments,
		domain.NewAttachment(partFilename(dispParams["filename"], params["name"]), mediaType, content))
	return nil
}

// textPart 处理正文部分，字符集未知时保留解开传输编码后的原始字节
func (w *partWalker) textPart(h message.Header, mediaType string, body io.Reader) error {
	entity, err := message.New(h, body)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return fmt.Errorf("%w: read body: %w", domain.ErrParseFailure, err)
	}
	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %w", domain.ErrParseFailure, err)
	}
	s := strings.ToValidUTF8(string(content), "\uFFFD")

	switch {
	case mediaType == "text/html" && w.parsed.HTML == nil:
		w.parsed.HTML = &s
	case mediaType != "text/html" && w.text == nil:
		w.text = &s
	}
	// 多余的正文部分直接忽略
	return nil
}

// decodeTransfer 只解开 Content-Transfer-Encoding，不做字符集转换
func decodeTransfer(h message.Header, body io.Reader) io.Reader {
	plain := h.Copy()
	plain.Del("Content-Type")
	// 未知传输编码时 entity.Body 为原始内容
	entity, _ := message.New(plain, body)
	return entity.Body
}

// Recipient 返回主收件人：To 头部的第一个地址，否则使用信封收件人。
func (p *ParsedEmail) Recipient(envelope []string) string {
	if len(p.To) > 0 && p.To[0] != "" {
		return p.To[0]
	}
	if len(envelope) > 0 {
		return envelope[0]
	}
	return ""
}

// firstAddress 返回头部中的第一个地址，无法解析时返回空串
func firstAddress(h *mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return ""
	}
	return strings.TrimSpace(list[0].Address)
}

func partFilename(candidates ...string) string {
	for _, name := range candidates {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return "unnamed"
}
