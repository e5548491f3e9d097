package guahao

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var addressPlaceholders = []string{"请选择", "请填写", "请输入", "城市地址"}

func NormalizeAddressID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" || value == "-1" {
		return ""
	}
	return value
}

func NormalizeAddressText(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, placeholder := range addressPlaceholders {
		if strings.Contains(value, placeholder) {
			return ""
		}
	}
	return value
}

func firstMatch(doc *goquery.Document, selectors ...string) *goquery.Selection {
	for _, selector := range selectors {
		selection := doc.Find(selector).First()
		if selection.Length() > 0 {
			return selection
		}
	}
	return nil
}

func attrFallback(sel *goquery.Selection, attrs ...string) string {
	for _, attr := range attrs {
		if value, ok := sel.Attr(attr); ok {
			return value
		}
	}
	return ""
}

func valueOf(sel *goquery.Selection) string {
	if sel == nil {
		return ""
	}
	val, _ := sel.Attr("value")
	return strings.TrimSpace(val)
}

func textOf(sel *goquery.Selection) string {
	if sel == nil {
		return ""
	}
	return strings.TrimSpace(sel.Text())
}

// TicketDetail fetches and parses the booking confirmation page for a
// schedule. memberID picks which patient's radio row supplies the
// per-member address override; empty means the page's checked default.
func (c *Client) TicketDetail(ctx context.Context, unitID, depID, scheduleID, memberID string) (*TicketDetail, error) {
	ctx, span := tracer.Start(ctx, "client:TicketDetail")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/guahao/ystep1/uid-%s/depid-%s/schid-%s.html", c.ep.WWW, unitID, depID, scheduleID))
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("ticket detail http %d", res.StatusCode())
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(res.Body())))
	if err != nil {
		return nil, err
	}
	return ParseTicketDetail(doc, memberID), nil
}

// ParseTicketDetail scrapes the hidden form state off the confirmation
// page. Address resolution is layered: explicit hidden inputs, then
// the address dropdown (selected option, else first usable), then the
// member row's own attributes which win outright.
func ParseTicketDetail(doc *goquery.Document, memberID string) *TicketDetail {
	timeSlots := make([]TimeSlot, 0)
	doc.Find("#delts li").Each(func(_ int, sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Text())
		val, _ := sel.Attr("val")
		if val != "" {
			timeSlots = append(timeSlots, TimeSlot{Name: name, Value: val})
		}
	})

	detail := &TicketDetail{
		TimeSlots:      timeSlots,
		SchData:        valueOf(doc.Find("input[name='sch_data']").First()),
		DetlidRealtime: valueOf(doc.Find("#detlid_realtime").First()),
		LevelCode:      valueOf(doc.Find("#level_code").First()),
		SchDate:        valueOf(firstMatch(doc, "input[name='sch_date']", "#sch_date")),
		OrderNo:        valueOf(firstMatch(doc, "input[name='order_no']", "#order_no")),
		DiseaseContent: valueOf(firstMatch(doc, "input[name='disease_content']", "#disease_content")),
		IsHot:          valueOf(firstMatch(doc, "input[name='is_hot']", "#is_hot")),
		HisMemID:       valueOf(firstMatch(doc, "input[name='hisMemId']", "#hismemid")),
		DiseaseInput:   textOf(firstMatch(doc, "textarea[name='disease_input']", "#disease_input")),
	}

	selectedMid := findMemberRow(doc, memberID)
	midAddressID := ""
	midAddressText := ""
	if selectedMid != nil {
		midAddressID = NormalizeAddressID(attrFallback(selectedMid, "area_id", "areaId", "areaid"))
		midAddressText = NormalizeAddressText(attrFallback(selectedMid, "address", "addr"))
	}

	detail.AddressID = NormalizeAddressID(valueOf(firstMatch(doc, "input[name='addressId']", "#addressId")))
	detail.Address = NormalizeAddressText(valueOf(firstMatch(doc, "input[name='address']", "#address")))

	var selectedOption *AddressOption
	addressSelect := firstMatch(doc, "select[name='addressId']", "#addressId", "#useraddress_area")
	if addressSelect != nil && addressSelect.Length() > 0 {
		addressSelect.Find("option").Each(func(_ int, sel *goquery.Selection) {
			id := NormalizeAddressID(attrFallback(sel, "value"))
			text := NormalizeAddressText(strings.TrimSpace(sel.Text()))
			if id == "" || text == "" {
				return
			}
			item := AddressOption{ID: id, Text: text}
			detail.Addresses = append(detail.Addresses, item)
			if _, ok := sel.Attr("selected"); ok && selectedOption == nil {
				selectedOption = &item
			}
		})
	}

	if detail.AddressID != "" && detail.Address == "" {
		for _, item := range detail.Addresses {
			if item.ID == detail.AddressID {
				detail.Address = item.Text
				break
			}
		}
	}
	if detail.AddressID == "" || detail.Address == "" {
		if selectedOption != nil {
			if detail.AddressID == "" {
				detail.AddressID = selectedOption.ID
			}
			if detail.Address == "" {
				detail.Address = selectedOption.Text
			}
		} else if len(detail.Addresses) > 0 {
			if detail.AddressID == "" {
				detail.AddressID = detail.Addresses[0].ID
			}
			if detail.Address == "" {
				detail.Address = detail.Addresses[0].Text
			}
		}
	}
	if midAddressID != "" {
		detail.AddressID = midAddressID
	}
	if midAddressText != "" {
		detail.Address = midAddressText
	}

	return detail
}

func findMemberRow(doc *goquery.Document, memberID string) *goquery.Selection {
	inputs := doc.Find("input[name='mid']")
	memberID = strings.TrimSpace(memberID)

	var found *goquery.Selection
	if memberID != "" {
		inputs.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			val, _ := sel.Attr("value")
			if strings.TrimSpace(val) == memberID {
				found = sel
				return false
			}
			return true
		})
		return found
	}

	inputs.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if _, ok := sel.Attr("checked"); ok {
			found = sel
			return false
		}
		return true
	})
	if found == nil && inputs.Length() > 0 {
		found = inputs.First()
	}
	return found
}

// MemberIssue reports a member-specific blocker encoded in the member
// row's attributes, used to turn an opaque submit bounce into an
// actionable message.
func MemberIssue(doc *goquery.Document, memberID string) string {
	node := doc.Find(fmt.Sprintf("input[name='mid'][value='%s']", memberID)).First()
	if node.Length() == 0 {
		return ""
	}
	if title, _ := node.Attr("data-title"); strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	needCheck, _ := node.Attr("need_check")
	isComplete, _ := node.Attr("is_info_complete")
	if needCheck == "1" {
		return "就诊人信息需审核/校验，暂不可预约"
	}
	if isComplete == "0" {
		return "就诊人信息未完善，无法预约"
	}
	return ""
}
