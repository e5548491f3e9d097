package guahao

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"quickdoctor/lib/cookiestore"
	"quickdoctor/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scrapers/guahao")

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Endpoints lets tests point the client at local servers. SiteFormat
// builds the per-city hosts; %s is the city's pinyin subdomain.
type Endpoints struct {
	WWW        string
	User       string
	Gate       string
	SiteFormat string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		WWW:        "https://www.91160.com",
		User:       "https://user.91160.com",
		Gate:       "https://gate.91160.com",
		SiteFormat: "https://%s.91160.com",
	}
}

type ClientOptions struct {
	// Store persists the session across restarts.
	Store cookiestore.Store
	// Endpoints defaults to the production hosts when zero.
	Endpoints Endpoints
}

// Client is an authenticated scraping client over the scheduling
// site's mixed HTTP surface (ajax JSON, gateway JSON, server rendered
// HTML). All requests share one cookie jar.
type Client struct {
	http    *resty.Client
	noRedir *resty.Client
	jar     http.CookieJar
	store   cookiestore.Store
	ep      Endpoints
}

func NewClient(opts ClientOptions) (*Client, error) {
	ep := opts.Endpoints
	defaults := DefaultEndpoints()
	if ep.WWW == "" {
		ep.WWW = defaults.WWW
	}
	if ep.User == "" {
		ep.User = defaults.User
	}
	if ep.Gate == "" {
		ep.Gate = defaults.Gate
	}
	if ep.SiteFormat == "" {
		ep.SiteFormat = defaults.SiteFormat
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Referer", ep.WWW+"/")
	client.SetHeader("Origin", ep.WWW)
	client.SetTimeout(time.Second * 30)
	restyutil.InstrumentClient(client, tracer)

	// submit must see the redirect itself, success vs failure lives in
	// the Location header
	noRedir := resty.New()
	noRedir.SetCookieJar(jar)
	noRedir.GetClient().Transport = client.GetClient().Transport
	noRedir.SetHeader("User-Agent", userAgent)
	noRedir.SetTimeout(time.Second * 30)
	noRedir.SetRedirectPolicy(resty.NoRedirectPolicy())
	restyutil.InstrumentClient(noRedir, tracer)

	c := &Client{
		http:    client,
		noRedir: noRedir,
		jar:     jar,
		store:   opts.Store,
		ep:      ep,
	}
	c.RestoreSession()
	return c, nil
}

// RestoreSession loads the persisted cookies into the jar and reports
// whether a credential cookie came along.
func (c *Client) RestoreSession() bool {
	records, err := c.store.Load()
	if err != nil || len(records) == 0 {
		return false
	}
	cookiestore.Apply(c.jar, records)
	return cookiestore.HasCredential(records)
}

// SaveSession flattens the jar back into the store.
func (c *Client) SaveSession() error {
	return c.store.Save(cookiestore.Harvest(c.jar))
}

// AdoptSession replaces the jar contents with records obtained out of
// band (QR login) and persists them.
func (c *Client) AdoptSession(records []cookiestore.Record) error {
	cookiestore.Apply(c.jar, records)
	return c.store.Save(records)
}

func (c *Client) HasCredential() bool {
	return cookiestore.HasCredential(cookiestore.Harvest(c.jar))
}

func (c *Client) accessTokens() []string {
	return cookiestore.Values(cookiestore.Harvest(c.jar), cookiestore.CredentialCookie)
}

// CheckLogin verifies the session against the user portal. The member
// list works as a fallback probe because it renders only for logged in
// sessions. A positive check re-persists the jar, the site rotates
// cookie values on touch.
func (c *Client) CheckLogin(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "client:CheckLogin")
	defer span.End()

	if len(c.accessTokens()) == 0 {
		return false
	}

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.ep.User + "/user/index.html")
	if err == nil && res.StatusCode() == http.StatusOK &&
		!strings.Contains(strings.ToLower(finalURL(res)), "login") {
		_ = c.SaveSession()
		return true
	}

	members, err := c.Members(ctx)
	if err != nil || len(members) == 0 {
		return false
	}
	_ = c.SaveSession()
	return true
}

// HospitalsByCity lists bookable hospitals. An empty city defaults to
// Shenzhen ("5"), matching the site's own landing page.
func (c *Client) HospitalsByCity(ctx context.Context, cityID string) ([]Hospital, error) {
	ctx, span := tracer.Start(ctx, "client:HospitalsByCity")
	defer span.End()

	if cityID == "" {
		cityID = "5"
	}
	var hospitals []Hospital
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"c": cityID}).
		SetResult(&hospitals).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		Post(c.ep.WWW + "/ajax/getunitbycity.html")
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("hospital list http %d", res.StatusCode())
	}
	return hospitals, nil
}

// DepartmentsByUnit lists a hospital's department tree. The lookup
// lives on the city's own subdomain; an empty pinyin falls back to
// "www".
func (c *Client) DepartmentsByUnit(ctx context.Context, unitID, cityPinyin string) ([]Department, error) {
	ctx, span := tracer.Start(ctx, "client:DepartmentsByUnit")
	defer span.End()

	subdomain := strings.TrimSpace(cityPinyin)
	if subdomain == "" {
		subdomain = "www"
	}
	var departments []Department
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"keyValue": unitID}).
		SetResult(&departments).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		Post(fmt.Sprintf(c.ep.SiteFormat, subdomain) + "/ajax/getdepbyunit.html")
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("department list http %d", res.StatusCode())
	}
	return departments, nil
}

// Members scrapes the account's patient list. A session bounced to the
// login page yields an empty list, not an error, so callers can tell
// "no members" apart from "request broke".
func (c *Client) Members(ctx context.Context) ([]Member, error) {
	ctx, span := tracer.Start(ctx, "client:Members")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.ep.User + "/member.html")
	if err != nil {
		return nil, err
	}

	body := res.Body()
	head := body
	if len(head) > 500 {
		head = head[:500]
	}
	if strings.Contains(strings.ToLower(finalURL(res)), "login") ||
		strings.Contains(string(head), "登录") {
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	return parseMembers(doc), nil
}

// finalURL is where the request actually landed after redirects.
func finalURL(res *resty.Response) string {
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		return res.RawResponse.Request.URL.String()
	}
	return res.Request.URL
}

func parseMembers(doc *goquery.Document) []Member {
	members := make([]Member, 0)
	doc.Find("tbody#mem_list tr").Each(func(_ int, sel *goquery.Selection) {
		id, _ := sel.Attr("id")
		id = strings.TrimPrefix(id, "mem")
		tds := sel.Find("td")
		if tds.Length() == 0 {
			return
		}
		name := strings.TrimSpace(tds.Eq(0).Text())
		name = strings.TrimSpace(strings.ReplaceAll(name, "默认", ""))
		certified := false
		tds.Each(func(_ int, td *goquery.Selection) {
			if strings.Contains(td.Text(), "认证") {
				certified = true
			}
		})
		if id == "" && name == "" {
			return
		}
		members = append(members, Member{ID: id, Name: name, Certified: certified})
	})
	return members
}

// ServerTime reads the site clock off the Date header of a cheap
// static asset. Returns the zero time when the header is absent.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	ctx, span := tracer.Start(ctx, "client:ServerTime")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.ep.WWW + "/favicon.ico")
	if err != nil {
		return time.Time{}, err
	}
	dateHeader := res.Header().Get("Date")
	if dateHeader == "" {
		return time.Time{}, nil
	}
	parsed, err := http.ParseTime(dateHeader)
	if err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}
