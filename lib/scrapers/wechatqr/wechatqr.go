package wechatqr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"time"

	"quickdoctor/lib/cookiestore"
	"quickdoctor/lib/restyutil"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scrapers/wechatqr")

const (
	appID     = "wxdfec0615563d691d"
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	defaultTimeout = 5 * time.Minute
	pollInterval   = time.Second
	pollErrorWait  = 2 * time.Second
)

var uuidRegex = regexp.MustCompile(`/connect/qrcode/([a-zA-Z0-9_-]+)`)

var (
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// Endpoints lets tests stand in local servers for the WeChat open
// platform and the scheduling site.
type Endpoints struct {
	Open     string
	LP       string
	Redirect string
	WWW      string
	User     string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Open:     "https://open.weixin.qq.com",
		LP:       "https://lp.open.weixin.qq.com",
		Redirect: "http://user.91160.com/supplier-wechat.html",
		WWW:      "https://www.91160.com",
		User:     "https://user.91160.com",
	}
}

type Options struct {
	// Store receives the session once the exchange succeeds.
	Store cookiestore.Store
	// Endpoints defaults to production when zero.
	Endpoints Endpoints
}

// Result is the outcome of a poll-until-login run.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Records holds the harvested session on success so a live client
	// can adopt it without rereading the store.
	Records []cookiestore.Record `json:"-"`
}

// Login drives the WeChat QR handshake: fetch a code image, long-poll
// its scan state, then trade the confirmation code for site cookies.
type Login struct {
	http  *resty.Client
	ep    Endpoints
	store cookiestore.Store

	uuid       string
	oauthState string
}

func NewLogin(opts Options) (*Login, error) {
	ep := opts.Endpoints
	if ep.Open == "" {
		ep = DefaultEndpoints()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := resty.New()
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Referer", ep.Open+"/")
	client.SetHeader("Origin", ep.Open)
	client.SetHeader("Accept", "*/*")
	client.SetTimeout(time.Second * 30)
	restyutil.InstrumentClient(client, tracer)

	return &Login{
		http:  client,
		ep:    ep,
		store: opts.Store,
	}, nil
}

// FetchQR starts a fresh handshake and returns the QR image bytes
// (png or jpeg) plus the code's uuid.
func (l *Login) FetchQR(ctx context.Context) ([]byte, string, error) {
	ctx, span := tracer.Start(ctx, "login:FetchQR")
	defer span.End()

	l.oauthState = fmt.Sprintf("login_%d", time.Now().Unix())
	res, err := l.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"appid":         appID,
			"redirect_uri":  l.ep.Redirect,
			"response_type": "code",
			"scope":         "snsapi_login",
			"state":         l.oauthState,
		}).
		Get(l.ep.Open + "/connect/qrconnect")
	if err != nil {
		return nil, "", err
	}

	match := uuidRegex.FindSubmatch(res.Body())
	if len(match) < 2 {
		return nil, "", errors.New("qr uuid not found")
	}
	l.uuid = string(match[1])

	imgRes, err := l.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/connect/qrcode/%s", l.ep.Open, l.uuid))
	if err != nil {
		return nil, "", err
	}
	img := imgRes.Body()
	if len(img) < 4 || (!bytes.HasPrefix(img, jpegMagic) && !bytes.HasPrefix(img, pngMagic)) {
		return nil, "", errors.New("qr image invalid")
	}
	return img, l.uuid, nil
}

// Poll long-polls the scan state until the user confirms, the code
// expires, the timeout passes or ctx is canceled. onStatus receives
// user-visible progress updates, only when they change.
func (l *Login) Poll(ctx context.Context, timeout time.Duration, onStatus func(string)) Result {
	ctx, span := tracer.Start(ctx, "login:Poll")
	defer span.End()

	if l.uuid == "" {
		return Result{Success: false, Message: "uuid not initialized"}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	sess := newSession(l.oauthState)

	for {
		if ctx.Err() != nil {
			return Result{Success: false, Message: "canceled"}
		}
		if time.Now().After(deadline) {
			return Result{Success: false, Message: "qr expired"}
		}

		res, err := l.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"uuid": l.uuid,
				"last": sess.lastPollParam(),
				"_":    fmt.Sprintf("%d", time.Now().UnixMilli()),
			}).
			Get(l.ep.LP + "/connect/l/qrconnect")
		if err != nil {
			if sleepCtx(ctx, pollErrorWait) != nil {
				return Result{Success: false, Message: "canceled"}
			}
			continue
		}

		next := sess.advance(parsePoll(string(res.Body())))
		if next.Notice != "" && onStatus != nil {
			onStatus(next.Notice)
		}

		switch next.Kind {
		case stepExpired:
			return Result{Success: false, Message: "qr expired"}
		case stepExchange:
			l.oauthState = sess.oauthState
			return l.exchange(ctx, next.Code)
		}

		if sleepCtx(ctx, pollInterval) != nil {
			return Result{Success: false, Message: "canceled"}
		}
	}
}

// exchange walks the OAuth callback on a clean jar, warms the site
// pages that mint the remaining cookies, then persists the harvest.
// A session without the credential cookie counts as failure.
func (l *Login) exchange(ctx context.Context, code string) Result {
	ctx, span := tracer.Start(ctx, "login:exchange")
	defer span.End()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	client := resty.New()
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Referer", l.ep.Open+"/")
	client.SetTimeout(time.Second * 30)

	callback := fmt.Sprintf("%s?code=%s", l.ep.Redirect, url.QueryEscape(code))
	if l.oauthState != "" {
		callback += "&state=" + url.QueryEscape(l.oauthState)
	}
	if _, err := client.R().SetContext(ctx).Get(callback); err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	_, _ = client.R().SetContext(ctx).Get(l.ep.WWW + "/")
	_, _ = client.R().SetContext(ctx).Get(l.ep.User + "/user/index.html")

	records := harvest(jar, l.ep)
	if len(records) == 0 {
		return Result{Success: false, Message: "no cookies received"}
	}
	if !cookiestore.HasCredential(records) {
		return Result{Success: false, Message: "missing access_hash"}
	}
	if err := l.store.Save(records); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: "login ok", Records: records}
}

// harvest reads the jar against both production hosts and whatever
// overrides are in play, so tests against local servers still see
// their cookies.
func harvest(jar *cookiejar.Jar, ep Endpoints) []cookiestore.Record {
	records := cookiestore.Harvest(jar)
	defaults := DefaultEndpoints()
	for _, host := range []string{ep.WWW, ep.User, ep.Redirect} {
		switch host {
		case defaults.WWW, defaults.User, defaults.Redirect, "":
			continue
		}
		u, err := url.Parse(host)
		if err != nil {
			continue
		}
		u.Path = ""
		for _, c := range jar.Cookies(u) {
			records = append(records, cookiestore.Record{
				Name:  c.Name,
				Value: c.Value,
			})
		}
	}
	return cookiestore.Normalize(records)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
