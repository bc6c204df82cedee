package ldapwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// Application-class protocolOp tags (RFC 4511 §4.2).
const (
	appBindRequest         = 0
	appBindResponse        = 1
	appUnbindRequest       = 2
	appSearchRequest       = 3
	appSearchResultEntry   = 4
	appSearchResultDone    = 5
	appExtendedRequest     = 23
	appExtendedResponse    = 24
)

// Context-class filter choice tags (RFC 4511 §4.5.1).
const (
	filterAnd             = 0
	filterOr              = 1
	filterNot             = 2
	filterEqualityMatch   = 3
	filterSubstrings      = 4
	filterGreaterOrEqual  = 5
	filterLessOrEqual     = 6
	filterPresent         = 7
	filterApproxMatch     = 8
	filterExtensibleMatch = 9
)

const controlsEnvelopeTag = 0 // [0] controls on the outer LDAPMessage

// ErrDecodeLimit is returned when an incoming message's encoded size
// exceeds the codec's configured maximum (§4.1, §8 "one byte over ...
// ends the session with no partial response").
var ErrDecodeLimit = errors.New("ldapwire: message exceeds maximum encoded size")

// ErrMalformed is returned for any structurally invalid message.
var ErrMalformed = errors.New("ldapwire: malformed message")

// Codec encodes and decodes LDAP messages over one direction of a byte
// stream, enforcing an independent maximum encoded-message size. A zero
// Codec has no size limit.
type Codec struct {
	MaxSize int // 0 means unlimited
}

// NewCodec builds a Codec with the given maximum encoded-message size.
// maxSize <= 0 means unlimited, matching the optional config fields in §6.
func NewCodec(maxSize int) *Codec {
	return &Codec{MaxSize: maxSize}
}

// limitedReader caps the number of bytes ber.ReadPacket may consume for a
// single message, so a hostile or runaway peer cannot force unbounded
// buffering before the limit is enforced.
type limitedReader struct {
	r     io.Reader
	limit int
	read  int
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.limit > 0 && l.read >= l.limit {
		return 0, ErrDecodeLimit
	}
	if l.limit > 0 && l.read+len(p) > l.limit {
		p = p[:l.limit-l.read]
	}
	n, err := l.r.Read(p)
	l.read += n
	return n, err
}

// ReadMessage decodes one LDAPMessage from r. It returns ErrDecodeLimit if
// the message's encoded size would exceed MaxSize, and ErrMalformed when a
// well-framed BER packet is not a valid LDAPMessage. Read and BER framing
// errors (including io.EOF when the stream ends between messages) are
// returned as the reader and the BER decoder report them.
func (c *Codec) ReadMessage(r io.Reader) (*Message, error) {
	lr := &limitedReader{r: r, limit: c.MaxSize}
	packet, err := ber.ReadPacket(lr)
	if err != nil {
		if errors.Is(err, ErrDecodeLimit) {
			return nil, ErrDecodeLimit
		}
		return nil, err
	}
	if c.MaxSize > 0 && len(packet.Bytes()) > c.MaxSize {
		return nil, ErrDecodeLimit
	}
	return decodeMessage(packet)
}

// WriteMessage encodes m and writes it to w. Encoding failures (an
// operation type the codec does not model) are returned to the caller,
// who treats them as fatal for that direction per §4.1.
func (c *Codec) WriteMessage(w io.Writer, m *Message) error {
	packet, err := encodeMessage(m)
	if err != nil {
		return err
	}
	raw := packet.Bytes()
	if c.MaxSize > 0 && len(raw) > c.MaxSize {
		return ErrDecodeLimit
	}
	_, err = w.Write(raw)
	return err
}

// --- decoding ---

func decodeMessage(packet *ber.Packet) (*Message, error) {
	if len(packet.Children) < 2 {
		return nil, fmt.Errorf("%w: envelope has %d children", ErrMalformed, len(packet.Children))
	}
	msgID, ok := intValue(packet.Children[0])
	if !ok {
		return nil, fmt.Errorf("%w: missing messageID", ErrMalformed)
	}
	op, err := decodeOp(packet.Children[1])
	if err != nil {
		return nil, err
	}
	var controls []Control
	if len(packet.Children) > 2 {
		controls, err = decodeControls(packet.Children[2])
		if err != nil {
			return nil, err
		}
	}
	return &Message{MsgID: msgID, Op: op, Controls: controls}, nil
}

func decodeOp(p *ber.Packet) (any, error) {
	tag := int64(p.Tag)
	switch tag {
	case appBindRequest:
		return decodeBindRequest(p)
	case appBindResponse:
		return decodeBindResponse(p)
	case appUnbindRequest:
		return UnbindRequest{}, nil
	case appSearchRequest:
		return decodeSearchRequest(p)
	case appSearchResultEntry:
		return decodeSearchResultEntry(p)
	case appSearchResultDone:
		r, err := decodeResult(p)
		if err != nil {
			return nil, err
		}
		return SearchResultDone{Result: r}, nil
	case appExtendedRequest:
		return decodeExtendedRequest(p)
	case appExtendedResponse:
		return decodeExtendedResponse(p)
	default:
		return OpaqueOp{AppTag: tag}, nil
	}
}

func decodeBindRequest(p *ber.Packet) (*BindRequest, error) {
	if len(p.Children) < 3 {
		return nil, fmt.Errorf("%w: BindRequest has %d children", ErrMalformed, len(p.Children))
	}
	version, _ := intValue(p.Children[0])
	dn := stringValue(p.Children[1])
	auth := p.Children[2]
	b := &BindRequest{Version: version, DN: dn}
	if int64(auth.Tag) == 0 { // simple
		b.Simple = true
		b.Creds = []byte(stringValue(auth))
	} else {
		b.RawAuth = auth
	}
	return b, nil
}

func decodeBindResponse(p *ber.Packet) (*BindResponse, error) {
	res, err := decodeResult(p)
	if err != nil {
		return nil, err
	}
	resp := &BindResponse{Result: res}
	for _, child := range p.Children[3:] {
		if int64(child.Tag) == 7 { // [7] serverSaslCreds
			resp.HasSASL = true
			resp.SASLCreds = rawBytes(child)
		}
	}
	return resp, nil
}

func decodeSearchRequest(p *ber.Packet) (*SearchRequest, error) {
	if len(p.Children) < 8 {
		return nil, fmt.Errorf("%w: SearchRequest has %d children", ErrMalformed, len(p.Children))
	}
	scope, _ := intValue(p.Children[1])
	deref, _ := intValue(p.Children[2])
	sizeLimit, _ := intValue(p.Children[3])
	timeLimit, _ := intValue(p.Children[4])
	typesOnly := boolValue(p.Children[5])

	var attrs []string
	for _, a := range p.Children[7].Children {
		attrs = append(attrs, stringValue(a))
	}

	return &SearchRequest{
		BaseDN:       stringValue(p.Children[0]),
		Scope:        Scope(scope),
		DerefAliases: deref,
		SizeLimit:    sizeLimit,
		TimeLimit:    timeLimit,
		TypesOnly:    typesOnly,
		Filter:       FilterFromPacket(p.Children[6]),
		Attributes:   attrs,
	}, nil
}

func decodeSearchResultEntry(p *ber.Packet) (*SearchResultEntry, error) {
	if len(p.Children) < 2 {
		return nil, fmt.Errorf("%w: SearchResultEntry has %d children", ErrMalformed, len(p.Children))
	}
	entry := &SearchResultEntry{DN: stringValue(p.Children[0])}
	for _, pa := range p.Children[1].Children {
		if len(pa.Children) < 2 {
			continue
		}
		attr := EntryAttribute{Name: stringValue(pa.Children[0])}
		for _, v := range pa.Children[1].Children {
			attr.Values = append(attr.Values, rawBytes(v))
		}
		entry.Attributes = append(entry.Attributes, attr)
	}
	return entry, nil
}

func decodeExtendedRequest(p *ber.Packet) (*ExtendedRequest, error) {
	req := &ExtendedRequest{}
	for _, child := range p.Children {
		switch int64(child.Tag) {
		case 0: // [0] requestName
			req.Name = stringValue(child)
		case 1: // [1] requestValue
			req.HasValue = true
			req.Value = rawBytes(child)
		}
	}
	return req, nil
}

func decodeExtendedResponse(p *ber.Packet) (*ExtendedResponse, error) {
	res, err := decodeResult(p)
	if err != nil {
		return nil, err
	}
	resp := &ExtendedResponse{Result: res}
	for _, child := range p.Children[3:] {
		switch int64(child.Tag) {
		case 10: // [10] responseName
			resp.HasName = true
			resp.Name = stringValue(child)
		case 11: // [11] response
			resp.HasValue = true
			resp.Value = rawBytes(child)
		}
	}
	return resp, nil
}

func decodeResult(p *ber.Packet) (Result, error) {
	if len(p.Children) < 3 {
		return Result{}, fmt.Errorf("%w: result envelope has %d children", ErrMalformed, len(p.Children))
	}
	code, _ := intValue(p.Children[0])
	r := Result{
		Code:      ResultCode(code),
		MatchedDN: stringValue(p.Children[1]),
		Message:   stringValue(p.Children[2]),
	}
	if len(p.Children) > 3 && int64(p.Children[3].Tag) == 3 {
		for _, ref := range p.Children[3].Children {
			r.Referral = append(r.Referral, stringValue(ref))
		}
	}
	return r, nil
}

func decodeControls(p *ber.Packet) ([]Control, error) {
	var out []Control
	for _, c := range p.Children {
		if len(c.Children) < 1 {
			continue
		}
		ctrl := Control{Type: stringValue(c.Children[0])}
		if len(c.Children) > 1 {
			if b, ok := c.Children[1].Value.(bool); ok {
				ctrl.Criticality = b
				if len(c.Children) > 2 {
					ctrl.HasValue = true
					ctrl.Value = rawBytes(c.Children[2])
				}
			} else {
				ctrl.HasValue = true
				ctrl.Value = rawBytes(c.Children[1])
			}
		}
		out = append(out, ctrl)
	}
	return out, nil
}

// --- encoding ---

func encodeMessage(m *Message) (*ber.Packet, error) {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAPMessage")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, m.MsgID, "messageID"))

	op, err := encodeOp(m.Op)
	if err != nil {
		return nil, err
	}
	envelope.AppendChild(op)

	if len(m.Controls) > 0 {
		envelope.AppendChild(encodeControls(m.Controls))
	}
	return envelope, nil
}

func encodeOp(op any) (*ber.Packet, error) {
	switch v := op.(type) {
	case *BindRequest:
		return encodeBindRequest(v), nil
	case BindRequest:
		return encodeBindRequest(&v), nil
	case *BindResponse:
		return encodeBindResponse(v), nil
	case BindResponse:
		return encodeBindResponse(&v), nil
	case UnbindRequest:
		return ber.Encode(ber.ClassApplication, ber.TypePrimitive, appUnbindRequest, nil, "UnbindRequest"), nil
	case *SearchRequest:
		return encodeSearchRequest(v), nil
	case SearchRequest:
		return encodeSearchRequest(&v), nil
	case *SearchResultEntry:
		return encodeSearchResultEntry(v), nil
	case SearchResultEntry:
		return encodeSearchResultEntry(&v), nil
	case SearchResultDone:
		return encodeResultOp(appSearchResultDone, v.Result), nil
	case *ExtendedRequest:
		return encodeExtendedRequest(v), nil
	case ExtendedRequest:
		return encodeExtendedRequest(&v), nil
	case *ExtendedResponse:
		return encodeExtendedResponse(v), nil
	case ExtendedResponse:
		return encodeExtendedResponse(&v), nil
	default:
		return nil, fmt.Errorf("%w: cannot encode operation of type %T", ErrMalformed, op)
	}
}

func encodeBindRequest(b *BindRequest) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, appBindRequest, nil, "BindRequest")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, b.Version, "version"))
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, b.DN, "name"))
	if b.RawAuth != nil {
		p.AppendChild(b.RawAuth)
	} else {
		p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, 0, string(b.Creds), "simple"))
	}
	return p
}

func encodeBindResponse(b *BindResponse) *ber.Packet {
	p := encodeResultOp(appBindResponse, b.Result)
	if b.HasSASL {
		p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, 7, string(b.SASLCreds), "serverSaslCreds"))
	}
	return p
}

func encodeSearchRequest(s *SearchRequest) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, appSearchRequest, nil, "SearchRequest")
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, s.BaseDN, "baseObject"))
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(s.Scope), "scope"))
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, s.DerefAliases, "derefAliases"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, s.SizeLimit, "sizeLimit"))
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, s.TimeLimit, "timeLimit"))
	p.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, s.TypesOnly, "typesOnly"))
	if s.Filter.Packet() != nil {
		p.AppendChild(s.Filter.Packet())
	} else {
		p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, filterPresent, "objectClass", "present"))
	}
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, a := range s.Attributes {
		attrs.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a, "attribute"))
	}
	p.AppendChild(attrs)
	return p
}

func encodeSearchResultEntry(e *SearchResultEntry) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, appSearchResultEntry, nil, "SearchResultEntry")
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, e.DN, "objectName"))
	attrsPacket := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, a := range e.Attributes {
		pa := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "partialAttribute")
		pa.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a.Name, "type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
		for _, v := range a.Values {
			vals.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(v), "val"))
		}
		pa.AppendChild(vals)
		attrsPacket.AppendChild(pa)
	}
	p.AppendChild(attrsPacket)
	return p
}

func encodeExtendedRequest(e *ExtendedRequest) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, appExtendedRequest, nil, "ExtendedRequest")
	p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, 0, e.Name, "requestName"))
	if e.HasValue {
		p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, 1, string(e.Value), "requestValue"))
	}
	return p
}

func encodeExtendedResponse(e *ExtendedResponse) *ber.Packet {
	p := encodeResultOp(appExtendedResponse, e.Result)
	if e.HasName {
		p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, 10, e.Name, "responseName"))
	}
	if e.HasValue {
		p.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, 11, string(e.Value), "response"))
	}
	return p
}

func encodeResultOp(appTag ber.Tag, r Result) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, appTag, nil, "LDAPResult")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(r.Code), "resultCode"))
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.MatchedDN, "matchedDN"))
	p.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Message, "diagnosticMessage"))
	if len(r.Referral) > 0 {
		ref := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "referral")
		for _, u := range r.Referral {
			ref.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, u, "uri"))
		}
		p.AppendChild(ref)
	}
	return p
}

func encodeControls(controls []Control) *ber.Packet {
	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, controlsEnvelopeTag, nil, "Controls")
	for _, c := range controls {
		cp := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
		cp.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, c.Type, "controlType"))
		if c.Criticality {
			cp.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "criticality"))
		}
		if c.HasValue {
			cp.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(c.Value), "controlValue"))
		}
		p.AppendChild(cp)
	}
	return p
}

// --- value extraction helpers ---
//
// Values nested under non-universal (APPLICATION/context) tags are not
// auto-decoded by the BER layer, so these helpers fall back to the raw
// content bytes whenever the typed Value is absent.

func intValue(p *ber.Packet) (int64, bool) {
	if n, ok := p.Value.(int64); ok {
		return n, true
	}
	if p.Data == nil {
		return 0, false
	}
	return decodeSignedInt(p.Data.Bytes()), true
}

func stringValue(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	return string(rawBytes(p))
}

func boolValue(p *ber.Packet) bool {
	if b, ok := p.Value.(bool); ok {
		return b
	}
	raw := rawBytes(p)
	return len(raw) > 0 && raw[0] != 0x00
}

func rawBytes(p *ber.Packet) []byte {
	if p.Data == nil {
		return nil
	}
	return bytes.Clone(p.Data.Bytes())
}

func decodeSignedInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v int64
	if b[0]&0x80 != 0 {
		v = -1
	}
	for _, by := range b {
		v = v<<8 | int64(by)
	}
	return v
}
