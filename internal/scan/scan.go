package scan

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"xmlsplice/internal/charset"
	"xmlsplice/pkg/contract"
)

// Options: 扫描选项。
type Options struct {
	// Lenient: 关闭严格模式（HTML 自动闭合与实体），用于不规范输入。
	Lenient bool `json:"lenient,omitempty"`
}

// Scan 单遍流式扫描 r，记录每次目标标签出现的字节区间。
// 标签按本地名大小写不敏感匹配；带前缀的目标仅比较其本地部分。
// 失败时返回 *contract.ScanError，不返回部分结果。
func Scan(ctx context.Context, r io.Reader, tag string, opts *Options) (contract.Scan, error) {
	local := localName(tag)
	if local == "" {
		return contract.Scan{}, fmt.Errorf("scan: empty tag: %w", contract.ErrInvalidInput)
	}
	d := xml.NewDecoder(r)
	if opts != nil && opts.Lenient {
		d.Strict = false
		d.AutoClose = xml.HTMLAutoClose
		d.Entity = xml.HTMLEntity
	}
	// 单字节字符集经 charset.Reader 转为 UTF-8；区间按原始字节换算
	var (
		cr      *charset.Reader
		charErr error
		declCS  string
	)
	d.CharsetReader = func(name string, in io.Reader) (io.Reader, error) {
		cm, err := charset.Lookup(name)
		if err != nil {
			charErr = err
			return nil, err
		}
		if cm == nil {
			return in, nil
		}
		declCS = strings.ToLower(strings.TrimSpace(name))
		cr = charset.NewReader(in, cm, d.InputOffset())
		return cr, nil
	}
	pos := func() int64 {
		if cr == nil {
			return d.InputOffset()
		}
		return cr.Raw(d.InputOffset())
	}
	fail := func(err error) error {
		if charErr != nil {
			err = charErr
		}
		return scanError(d, pos(), err)
	}

	var (
		offsets []contract.Offset
		pending int64 = -1
	)
	for {
		if err := ctx.Err(); err != nil {
			return contract.Scan{}, err
		}
		before := pos()
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return contract.Scan{}, fail(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !strings.EqualFold(t.Name.Local, local) {
				continue
			}
			if pending >= 0 {
				return contract.Scan{}, positioned(d, pos(), "nested <"+t.Name.Local+"> not supported", contract.ErrInvariantViolation)
			}
			pending = before
		case xml.EndElement:
			if !strings.EqualFold(t.Name.Local, local) {
				continue
			}
			if pending < 0 {
				return contract.Scan{}, positioned(d, pos(), "unpaired </"+t.Name.Local+">", contract.ErrInvariantViolation)
			}
			offsets = append(offsets, contract.Offset{Start: pending, End: pos()})
			pending = -1
		}
	}
	return contract.Scan{Offsets: offsets, EndPosition: pos(), Charset: declCS}, nil
}

func localName(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.LastIndexByte(tag, ':'); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

func scanError(d *xml.Decoder, off int64, err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return positioned(d, off, se.Msg, err)
	}
	return positioned(d, off, err.Error(), err)
}

// positioned: off 为原始字节偏移；行列由解析器给出。
func positioned(d *xml.Decoder, off int64, msg string, cause error) *contract.ScanError {
	line, col := d.InputPos()
	return &contract.ScanError{Msg: msg, Line: line, Column: col, Offset: off, Err: cause}
}
