package reader

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

// prescanLimit matches the HTML standard's encoding sniffing window.
const prescanLimit = 1024

// japaneseAliases covers labels seen on Japanese sites that the WHATWG label table rejects.
var japaneseAliases = map[string]encoding.Encoding{
	"sjis":        japanese.ShiftJIS,
	"shift-jis":   japanese.ShiftJIS,
	"x-sjis":      japanese.ShiftJIS,
	"ms_kanji":    japanese.ShiftJIS,
	"cp932":       japanese.ShiftJIS,
	"windows-31j": japanese.ShiftJIS,
	"eucjp":       japanese.EUCJP,
	"euc_jp":      japanese.EUCJP,
	"x-euc-jp":    japanese.EUCJP,
	"jis":         japanese.ISO2022JP,
	"iso2022jp":   japanese.ISO2022JP,
	"csiso2022jp": japanese.ISO2022JP,
}

// Decode turns raw page bytes into text. The charset comes from the Content-Type parameter,
// a byte order mark, or a <meta> declaration in the first KiB, in that order, and defaults to
// UTF-8. Invalid sequences never fail the call: they are dropped by a lossy second pass.
// Only nil input is an error.
func Decode(b []byte, contentType string) (string, error) {
	if b == nil {
		return "", &Error{Kind: ErrContentDecoding, Op: "decode"}
	}
	enc, label := resolveEncoding(b, contentType)
	if enc == nil || isUTF8(label) {
		body := trimUTF8BOM(b)
		if utf8.Valid(body) {
			return string(body), nil
		}
		return lossyUTF8(body), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out), nil
	}
	if err != nil {
		// the strict decoder gave up; walk the input as UTF-8 instead
		return lossyUTF8(b), nil
	}
	return stripReplacement(string(out)), nil
}

// ResolveCharset reports the label Decode would use for b.
func ResolveCharset(b []byte, contentType string) string {
	_, label := resolveEncoding(b, contentType)
	if label == "" {
		return "utf-8"
	}
	return label
}

func resolveEncoding(b []byte, contentType string) (encoding.Encoding, string) {
	if label := charsetParam(contentType); label != "" {
		if enc, name := lookupCharset(label); enc != nil {
			return enc, name
		}
	}
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return unicode.UTF8, "utf-8"
	case bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), "utf-16be"
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), "utf-16le"
	}
	if label := sniffMetaCharset(b); label != "" {
		if enc, name := lookupCharset(label); enc != nil {
			return prescanEncoding(enc, name)
		}
	}
	return nil, ""
}

// prescanEncoding applies the HTML prescan overrides: a document whose meta tag was readable
// as ASCII cannot be UTF-16, and x-user-defined is treated as windows-1252.
func prescanEncoding(enc encoding.Encoding, name string) (encoding.Encoding, string) {
	switch name {
	case "utf-16be", "utf-16le", "utf-16":
		return unicode.UTF8, "utf-8"
	case "x-user-defined":
		return charmap.Windows1252, "windows-1252"
	}
	return enc, name
}

func lookupCharset(label string) (encoding.Encoding, string) {
	label = strings.ToLower(strings.Trim(strings.TrimSpace(label), `"'`))
	if enc, ok := japaneseAliases[label]; ok {
		return enc, label
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, ""
	}
	return enc, name
}

func charsetParam(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// sniffMetaCharset tokenizes the first KiB looking for <meta charset> or
// <meta http-equiv="content-type" content="...; charset=...">. The tokenizer only cares about
// ASCII delimiters, so it is safe to run before the real encoding is known.
func sniffMetaCharset(b []byte) string {
	if len(b) > prescanLimit {
		b = b[:prescanLimit]
	}
	z := html.NewTokenizer(bytes.NewReader(b))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			var httpEquiv, content, cs string
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				switch string(key) {
				case "charset":
					cs = string(val)
				case "http-equiv":
					httpEquiv = strings.ToLower(string(val))
				case "content":
					content = string(val)
				}
			}
			if cs != "" {
				return cs
			}
			if httpEquiv == "content-type" {
				if label := contentCharset(content); label != "" {
					return label
				}
			}
		}
	}
}

// contentCharset pulls charset=... out of a meta content attribute, which is looser than a
// real media type (missing type, stray quotes).
func contentCharset(content string) string {
	if label := charsetParam(content); label != "" {
		return label
	}
	low := strings.ToLower(content)
	i := strings.Index(low, "charset=")
	if i < 0 {
		return ""
	}
	v := content[i+len("charset="):]
	if j := strings.IndexAny(v, `;"' `); j >= 0 {
		v = v[:j]
	}
	return strings.TrimSpace(v)
}

func isUTF8(label string) bool {
	switch strings.ToLower(label) {
	case "utf-8", "utf8", "unicode-1-1-utf-8":
		return true
	}
	return false
}

func trimUTF8BOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// lossyUTF8 keeps every well-formed code point and silently skips the rest, including any
// U+FFFD already present in the input.
func lossyUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError {
			sb.WriteRune(r)
		}
		b = b[size:]
	}
	return sb.String()
}

func stripReplacement(s string) string {
	return strings.ReplaceAll(s, string(utf8.RuneError), "")
}
