package inbound

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"mailsink/backend/internal/domain"
)

// MIMEContent 从原始 MIME 邮件中提取的内容
type MIMEContent struct {
	Headers     map[string]string
	Text        string
	HTML        string
	Attachments []domain.NormalizedAttachment
}

var headerDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// DecodeHeader 解码 RFC 2047 编码的邮件头，失败时原样返回
func DecodeHeader(value string) string {
	if value == "" || !strings.Contains(value, "=?") {
		return value
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// ParseMIME 解析原始邮件，提取文本、HTML 和附件。
//
// 表单提供商以 body-mime 字段转发整封邮件时使用。
func ParseMIME(raw []byte) (*MIMEContent, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse mime: %v", ErrMalformed, err)
	}

	parsed := &MIMEContent{
		Headers:     make(map[string]string, len(msg.Header)),
		Attachments: make([]domain.NormalizedAttachment, 0),
	}
	for key, values := range msg.Header {
		if len(values) > 0 {
			// 重复的头以最后一个为准
			parsed.Headers[domain.HeaderKey(key)] = values[len(values)-1]
		}
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart message without boundary", ErrMalformed)
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed); err != nil {
			return nil, fmt.Errorf("%w: parse multipart: %v", ErrMalformed, err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrMalformed, err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件
func parseMultipart(mr *multipart.Reader, parsed *MIMEContent) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || (dispType == "inline" && !strings.HasPrefix(mediaType, "text/")) {
				filename := firstNonEmpty(dispParams["filename"], params["name"], "unnamed")

				// multipart.Part 会自动解码 quoted-printable，base64 需要手动处理
				var reader io.Reader = part
				if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
					reader = base64.NewDecoder(base64.StdEncoding, part)
				}
				content, err := io.ReadAll(reader)
				if err != nil {
					continue
				}

				parsed.Attachments = append(parsed.Attachments, domain.NormalizedAttachment{
					Filename:    DecodeHeader(filename),
					ContentType: mediaType,
					Data:        content,
				})
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// decodeBody 根据传输编码和字符集解码正文
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		reader = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		reader = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return convertCharset(body, charset), nil
}

// convertCharset 将常见的非 UTF-8 字符集转换为 UTF-8，未知字符集原样返回
func convertCharset(body []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(body)
	}
	enc := charsetEncoding(charset)
	if enc == nil {
		return string(body)
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return string(body)
	}
	return string(converted)
}

// charsetReader 供 mime.WordDecoder 解码非 UTF-8 的编码字
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := charsetEncoding(strings.ToLower(charset))
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// charsetEncoding 根据字符集名称返回解码器
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "shift_jis", "sjis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
