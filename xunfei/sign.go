package xunfei

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RTASRURL = "wss://rtasr.xfyun.cn/v1/ws"
	LLMURL   = "wss://office-api-ast-dx.iflyaisol.com/ast/communicate/v1"

	// ValidFor is how long a signed URL should be used within. The
	// vendor does not publish a hard expiry.
	ValidFor = 300 * time.Second

	AudioEncode       = "pcm_s16le"
	DefaultLang       = "cn"
	DefaultLLMLang    = "autodialect"
	DefaultSampleRate = 16000

	utcLayout = "2006-01-02T15:04:05-0700"
)

// ErrConfiguration is returned when the credentials needed by a scheme are
// missing. Signing fails before any connection is attempted.
var ErrConfiguration = errors.New("xunfei: signing credentials not configured")

var beijing = time.FixedZone("CST", 8*60*60)

type Scheme string

const (
	SchemeStandard   Scheme = "standard"
	SchemeLargeModel Scheme = "large-model"
)

type Credentials struct {
	AppID  string
	APIKey string

	LLMAppID           string
	LLMAccessKeyID     string
	LLMAccessKeySecret string
}

// SignedEndpoint is a ready-to-dial upstream URL. SessionID is only set for
// the large-model scheme.
type SignedEndpoint struct {
	Scheme    Scheme
	URL       string
	SessionID string
	ExpiresIn time.Duration
}

// Request selects a scheme and its parameters for Sign.
type Request struct {
	Scheme     Scheme
	Lang       string
	SampleRate int
	UUID       string
}

// Signer computes signed upstream URLs. It keeps no state between calls;
// the clock and uuid source are injectable so signatures are reproducible.
type Signer struct {
	creds    Credentials
	rtasrURL string
	llmURL   string
	now      func() time.Time
	newUUID  func() string
}

type Option func(*Signer)

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func WithUUIDSource(next func() string) Option {
	return func(s *Signer) { s.newUUID = next }
}

// WithEndpoints overrides the upstream base URLs. Empty values keep the
// defaults.
func WithEndpoints(rtasr, llm string) Option {
	return func(s *Signer) {
		if rtasr != "" {
			s.rtasrURL = rtasr
		}
		if llm != "" {
			s.llmURL = llm
		}
	}
}

func NewSigner(creds Credentials, opts ...Option) *Signer {
	s := &Signer{
		creds:    creds,
		rtasrURL: RTASRURL,
		llmURL:   LLMURL,
		now:      time.Now,
		newUUID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign dispatches on the requested scheme.
func (s *Signer) Sign(req Request) (SignedEndpoint, error) {
	switch req.Scheme {
	case SchemeStandard:
		return s.SignStandard(req.Lang)
	case SchemeLargeModel:
		return s.SignLargeModel(req.Lang, req.SampleRate, req.UUID)
	default:
		return SignedEndpoint{}, fmt.Errorf("xunfei: unknown scheme %q", req.Scheme)
	}
}

// SignStandard signs an RTASR standard URL:
// signa = Base64(HmacSHA1(MD5(appid+ts), apiKey)).
func (s *Signer) SignStandard(lang string) (SignedEndpoint, error) {
	if s.creds.AppID == "" || s.creds.APIKey == "" {
		return SignedEndpoint{}, fmt.Errorf("%w: app id and api key are required", ErrConfiguration)
	}
	if lang == "" {
		lang = DefaultLang
	}

	// Unix() is epoch based whatever the clock's location is.
	ts := strconv.FormatInt(s.now().Unix(), 10)

	q := url.Values{}
	q.Set("appid", s.creds.AppID)
	q.Set("ts", ts)
	q.Set("signa", StandardSignature(s.creds.AppID, s.creds.APIKey, ts))
	q.Set("lang", lang)

	return SignedEndpoint{
		Scheme:    SchemeStandard,
		URL:       s.rtasrURL + "?" + q.Encode(),
		ExpiresIn: ValidFor,
	}, nil
}

// SignLargeModel signs a large-model transcription URL. An empty id is
// replaced by a fresh uuid. The returned SessionID is generated
// independently of id.
func (s *Signer) SignLargeModel(lang string, sampleRate int, id string) (SignedEndpoint, error) {
	if s.creds.LLMAppID == "" || s.creds.LLMAccessKeyID == "" || s.creds.LLMAccessKeySecret == "" {
		return SignedEndpoint{}, fmt.Errorf("%w: app id, access key id and access key secret are required", ErrConfiguration)
	}
	if lang == "" {
		lang = DefaultLLMLang
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if id == "" {
		id = s.newUUID()
	}

	params := map[string]string{
		"accessKeyId":  s.creds.LLMAccessKeyID,
		"appId":        s.creds.LLMAppID,
		"audio_encode": AudioEncode,
		"lang":         lang,
		"samplerate":   strconv.Itoa(sampleRate),
		"utc":          FormatUTC(s.now()),
		"uuid":         id,
	}

	base := CanonicalQuery(params)
	params["signature"] = PercentEncode(LargeModelSignature(s.creds.LLMAccessKeySecret, base))

	return SignedEndpoint{
		Scheme:    SchemeLargeModel,
		URL:       s.llmURL + "?" + CanonicalQuery(params),
		SessionID: s.newUUID(),
		ExpiresIn: ValidFor,
	}, nil
}

func StandardSignature(appID, apiKey, ts string) string {
	sum := md5.Sum([]byte(appID + ts))
	mac := hmac.New(sha1.New, []byte(apiKey))
	mac.Write([]byte(hex.EncodeToString(sum[:])))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func LargeModelSignature(secret, base string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CanonicalQuery sorts params by key and joins the percent-encoded pairs
// with '&'.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, PercentEncode(k)+"="+PercentEncode(params[k]))
	}
	return strings.Join(parts, "&")
}

// PercentEncode escapes everything except the RFC 3986 unreserved set.
// Spaces become %20, not '+'.
func PercentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// FormatUTC renders t in Beijing time, e.g. 2025-09-04T15:38:07+0800.
func FormatUTC(t time.Time) string {
	return t.In(beijing).Format(utcLayout)
}
