package soap

import (
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	// serviceNS is the legacy registry's document namespace. The response
	// parser does not require it; elements are matched by local name so an
	// optional prefix never breaks extraction.
	serviceNS = "urn:carbon-registry:2.0"
)

// field is one element inside a request body, rendered in order.
type field struct {
	name  string
	value string
}

// block is a nested element holding its own fields, used for batch items.
type block struct {
	name   string
	fields []field
}

// buildEnvelope renders a namespaced request envelope for one operation.
// Field values are XML-escaped; structure is fixed enough that a template
// of nested builders beats wrestling encoding/xml struct tags for the
// registry's prefix conventions.
func buildEnvelope(operation string, fields []field, blocks []block) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	fmt.Fprintf(&b, `<soapenv:Envelope xmlns:soapenv=%q xmlns:reg=%q>`, envelopeNS, serviceNS)
	b.WriteString(`<soapenv:Header/><soapenv:Body>`)
	fmt.Fprintf(&b, `<reg:%s>`, operation)
	writeFields(&b, fields)
	for _, blk := range blocks {
		fmt.Fprintf(&b, `<reg:%s>`, blk.name)
		writeFields(&b, blk.fields)
		fmt.Fprintf(&b, `</reg:%s>`, blk.name)
	}
	fmt.Fprintf(&b, `</reg:%s>`, operation)
	b.WriteString(`</soapenv:Body></soapenv:Envelope>`)
	return b.String()
}

func writeFields(b *strings.Builder, fields []field) {
	for _, f := range fields {
		fmt.Fprintf(b, `<reg:%s>%s</reg:%s>`, f.name, escape(f.value), f.name)
	}
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// extractElement returns the character data of the first element whose
// local name matches, regardless of namespace prefix. The second return
// is false when the element is absent.
func extractElement(doc []byte, local string) (string, bool) {
	dec := xml.NewDecoder(strings.NewReader(string(doc)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != local {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return "", false
		}
		return strings.TrimSpace(text), true
	}
}

// extractBlocks collects, for every element with the given local name, a
// map of its child elements' local names to their character data. Used
// for repeated batch result and credit listing elements.
func extractBlocks(doc []byte, local string) []map[string]string {
	var out []map[string]string
	dec := xml.NewDecoder(strings.NewReader(string(doc)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != local {
			continue
		}
		out = append(out, decodeBlock(dec, start))
	}
}

func decodeBlock(dec *xml.Decoder, start xml.StartElement) map[string]string {
	fields := make(map[string]string)
	for {
		tok, err := dec.Token()
		if err != nil {
			return fields
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var text string
			if err := dec.DecodeElement(&text, &t); err != nil {
				return fields
			}
			fields[t.Name.Local] = strings.TrimSpace(text)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return fields
			}
		}
	}
}

// extractFault finds a SOAP fault in the response, accepting both the 1.1
// (faultcode/faultstring) and 1.2 (Code/Reason) element names. The code
// is reduced to its last dot-separated segment so "soap:Server.ServerBusy"
// classifies as "ServerBusy".
func extractFault(doc []byte) (code, reason string, found bool) {
	if _, ok := extractElement(doc, "Fault"); !ok {
		return "", "", false
	}
	code, ok := extractElement(doc, "faultcode")
	if !ok {
		code, _ = extractElement(doc, "Code")
	}
	reason, ok = extractElement(doc, "faultstring")
	if !ok {
		reason, _ = extractElement(doc, "Reason")
	}
	if idx := strings.LastIndexAny(code, ".:"); idx >= 0 {
		code = code[idx+1:]
	}
	return code, reason, true
}
