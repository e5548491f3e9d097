package guahao

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"quickdoctor/lib/cookiestore"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

var submitMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`alert\(["']([^"']+)["']\)`),
	regexp.MustCompile(`layer\.msg\(["']([^"']+)["']\)`),
	regexp.MustCompile(`layer\.alert\(["']([^"']+)["']\)`),
	regexp.MustCompile(`msg\(["']([^"']+)["']\)`),
	regexp.MustCompile(`toast\(["']([^"']+)["']\)`),
}

// SubmitOrder posts the booking form. The POST itself never follows
// redirects: the site answers success and failure alike with a 302,
// and only the Location tells them apart. A Location containing
// "success" is a win; anything else is followed once to dig out the
// human readable reason.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "client:SubmitOrder")
	defer span.End()

	form := c.buildSubmitForm(ctx, req)
	c.setSubmitCookies(form)

	// the site's own flow validates the patient before submitting;
	// skipping it trips some hospitals' anti-bot checks
	if form["mid"] != "" {
		_, _ = c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{"mid": form["mid"]}).
			SetHeader("X-Requested-With", "XMLHttpRequest").
			SetHeader("Accept", "application/json, text/javascript, */*; q=0.01").
			Post(c.ep.WWW + "/guahao/checkidinfo.html")
	}

	poster := c.noRedir
	if req.ProxyURL != "" {
		poster = c.proxiedSubmitClient(req.ProxyURL)
	}

	submitURL := c.ep.WWW + "/guahao/ysubmit.html"
	res, err := poster.R().
		SetContext(ctx).
		SetFormData(form).
		SetHeader("Origin", c.ep.WWW).
		SetHeader("Referer", fmt.Sprintf(
			"%s/guahao/ystep1/uid-%s/depid-%s/schid-%s.html",
			c.ep.WWW, form["unit_id"], form["dep_id"], form["schedule_id"],
		)).
		Post(submitURL)
	// a disabled-redirect "error" still carries the response we want;
	// only a dead response means the request itself failed
	if err != nil && (res == nil || res.StatusCode() == 0) {
		return nil, err
	}

	status := res.StatusCode()
	if status == http.StatusMovedPermanently || status == http.StatusFound {
		location := res.Header().Get("Location")
		if location != "" {
			redirectURL := resolveURL(submitURL, location)
			if strings.Contains(strings.ToLower(redirectURL), "success") {
				return &SubmitResult{Success: true, Message: "OK", URL: redirectURL}, nil
			}
			reason := c.diagnoseRedirect(ctx, redirectURL, form["mid"])
			msg := fmt.Sprintf("submit redirect: %s", redirectURL)
			if reason != "" {
				msg = fmt.Sprintf("%s (%s)", msg, reason)
			}
			return &SubmitResult{Success: false, Message: msg}, nil
		}
	}

	body := string(res.Body())
	if msg := extractSubmitMessage(body); msg != "" {
		return &SubmitResult{Success: false, Message: fmt.Sprintf("submit failed: %s", msg)}, nil
	}
	if text := snippet(body, 200); text != "" {
		return &SubmitResult{Success: false, Message: fmt.Sprintf("submit failed code=%d, resp=%s", status, text)}, nil
	}
	return &SubmitResult{Success: false, Message: fmt.Sprintf("submit failed code=%d (no response)", status)}, nil
}

func (c *Client) buildSubmitForm(ctx context.Context, req SubmitRequest) map[string]string {
	form := map[string]string{
		"sch_data":        req.SchData,
		"mid":             req.MemberID,
		"addressId":       req.AddressID,
		"address":         req.Address,
		"hisMemId":        req.HisMemID,
		"disease_input":   req.DiseaseInput,
		"order_no":        req.OrderNo,
		"disease_content": req.DiseaseContent,
		"accept":          "1",
		"unit_id":         req.UnitID,
		"schedule_id":     req.ScheduleID,
		"dep_id":          req.DepID,
		"his_dep_id":      req.HisDepID,
		"sch_date":        req.SchDate,
		"time_type":       req.TimeType,
		"doctor_id":       req.DoctorID,
		"his_doc_id":      req.HisDocID,
		"detlid":          req.Detlid,
		"detlid_realtime": req.DetlidRealtime,
		"level_code":      req.LevelCode,
		"is_hot":          req.IsHot,
	}

	// the form bounces without a real address, refetch the detail page
	// to fill the gaps
	addressID := NormalizeAddressID(form["addressId"])
	if addressID == "" || strings.TrimSpace(form["address"]) == "" {
		detail, err := c.TicketDetail(ctx, form["unit_id"], form["dep_id"], form["schedule_id"], form["mid"])
		if err == nil && detail != nil {
			if form["addressId"] == "" {
				form["addressId"] = detail.AddressID
			}
			if form["address"] == "" {
				form["address"] = detail.Address
			}
			backfill := map[string]string{
				"hisMemId":        detail.HisMemID,
				"sch_date":        detail.SchDate,
				"order_no":        detail.OrderNo,
				"disease_input":   detail.DiseaseInput,
				"disease_content": detail.DiseaseContent,
				"is_hot":          detail.IsHot,
			}
			for key, value := range backfill {
				if strings.TrimSpace(form[key]) == "" {
					form[key] = value
				}
			}
		}
	}
	return form
}

// setSubmitCookies plants the helper cookies the site's own javascript
// would have set by this point in the flow.
func (c *Client) setSubmitCookies(form map[string]string) {
	uid := c.uidFromCookies()
	depID := strings.TrimSpace(form["dep_id"])
	docID := strings.TrimSpace(form["doctor_id"])
	if uid == "" || depID == "" || docID == "" {
		return
	}

	values := map[string]string{
		fmt.Sprintf("member_id_%s_%s_%s", uid, depID, docID): strings.TrimSpace(form["mid"]),
		fmt.Sprintf("detl_id_%s_%s_%s", uid, depID, docID):   strings.TrimSpace(form["detlid"]),
		fmt.Sprintf("accept_%s_%s_%s", uid, depID, docID):    "1",
	}
	records := make([]cookiestore.Record, 0, len(values))
	for name, value := range values {
		if value == "" {
			continue
		}
		records = append(records, cookiestore.Record{
			Name:   name,
			Value:  value,
			Domain: cookiestore.SiteDomain,
			Path:   "/",
		})
	}
	cookiestore.Apply(c.jar, records)
}

func (c *Client) uidFromCookies() string {
	for _, record := range cookiestore.Harvest(c.jar) {
		if record.Name != "User_datas" && record.Name != "UserName_datas" {
			continue
		}
		if uid := uidFromCookieValue(record.Value); uid != "" {
			return uid
		}
	}
	return ""
}

func uidFromCookieValue(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		decoded = value
	}
	var data map[string]FlexString
	if err := json.Unmarshal([]byte(decoded), &data); err != nil {
		return ""
	}
	for _, key := range []string{"fid", "uid", "id"} {
		if v, ok := data[key]; ok && v != "" {
			return v.String()
		}
	}
	return ""
}

// proxiedSubmitClient builds a throwaway no-redirect client that
// shares this session's cookies but tunnels through the given proxy.
func (c *Client) proxiedSubmitClient(proxyURL string) *resty.Client {
	client := resty.New()
	client.SetCookieJar(c.jar)
	client.SetHeader("User-Agent", userAgent)
	client.SetTimeout(time.Second * 30)
	client.SetRedirectPolicy(resty.NoRedirectPolicy())
	client.SetProxy(proxyURL)
	return client
}

func (c *Client) diagnoseRedirect(ctx context.Context, redirectURL, memberID string) string {
	res, err := c.http.R().
		SetContext(ctx).
		Get(redirectURL)
	if err != nil {
		return ""
	}
	body := string(res.Body())

	reason := extractSubmitMessage(body)
	if memberID != "" && (reason == "" || isGenericSubmitMessage(reason)) {
		if doc, derr := goquery.NewDocumentFromReader(strings.NewReader(body)); derr == nil {
			if msg := MemberIssue(doc, memberID); msg != "" {
				return msg
			}
		}
	}
	if reason == "" {
		reason = snippet(body, 200)
	}
	return reason
}

func extractSubmitMessage(text string) string {
	for _, pattern := range submitMessagePatterns {
		if match := pattern.FindStringSubmatch(text); len(match) > 1 {
			return strings.TrimSpace(match[1])
		}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func isGenericSubmitMessage(message string) bool {
	message = strings.TrimSpace(message)
	if message == "" {
		return true
	}
	for _, generic := range []string{"操作失败", "请求错误", "提交失败"} {
		if strings.Contains(message, generic) {
			return true
		}
	}
	return false
}

var controlRunRegex = regexp.MustCompile(`[\x00-\x1f\x7f]+`)
var spaceRunRegex = regexp.MustCompile(`\s+`)

func snippet(text string, maxLen int) string {
	clean := controlRunRegex.ReplaceAllString(text, " ")
	clean = strings.TrimSpace(spaceRunRegex.ReplaceAllString(clean, " "))
	if maxLen <= 0 || len(clean) <= maxLen {
		return clean
	}
	return clean[:maxLen]
}

func resolveURL(baseURL, location string) string {
	if location == "" {
		return ""
	}
	parsedBase, err := url.Parse(baseURL)
	if err != nil {
		return location
	}
	parsedLocation, err := url.Parse(location)
	if err != nil {
		return location
	}
	return parsedBase.ResolveReference(parsedLocation).String()
}
