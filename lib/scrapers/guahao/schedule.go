package guahao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"quickdoctor/lib/timezone"

	"go.opentelemetry.io/otel/codes"
)

// slotList tolerates the gateway's two encodings of a half-day: an
// object keyed by slot id, or a plain array. Slots without a
// schedule_id are dropped either way.
type slotList []ScheduleSlot

type wireSlot struct {
	ScheduleID   FlexString `json:"schedule_id"`
	TimeType     FlexString `json:"time_type"`
	TimeTypeDesc string     `json:"time_type_desc"`
	LeftNum      FlexInt    `json:"left_num"`
	SchDate      string     `json:"sch_date"`
}

func (w wireSlot) slot() ScheduleSlot {
	return ScheduleSlot{
		ScheduleID:   w.ScheduleID.String(),
		TimeType:     w.TimeType.String(),
		TimeTypeDesc: w.TimeTypeDesc,
		LeftNum:      w.LeftNum.Int(),
		SchDate:      w.SchDate,
	}
}

func (l *slotList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	switch data[0] {
	case '[':
		var wires []wireSlot
		if err := json.Unmarshal(data, &wires); err != nil {
			return err
		}
		out := make([]ScheduleSlot, 0, len(wires))
		for _, w := range wires {
			if w.ScheduleID == "" {
				continue
			}
			out = append(out, w.slot())
		}
		*l = out
		return nil
	case '{':
		var wires map[string]wireSlot
		if err := json.Unmarshal(data, &wires); err != nil {
			return err
		}
		keys := make([]string, 0, len(wires))
		for key := range wires {
			keys = append(keys, key)
		}
		// object order is lost in transit, key order keeps the decode
		// deterministic
		sort.Strings(keys)
		out := make([]ScheduleSlot, 0, len(wires))
		for _, key := range keys {
			w := wires[key]
			if w.ScheduleID == "" {
				continue
			}
			out = append(out, w.slot())
		}
		*l = out
		return nil
	default:
		*l = nil
		return nil
	}
}

type wireDaySlots struct {
	AM slotList `json:"am"`
	PM slotList `json:"pm"`
}

type wireDoctor struct {
	DoctorID   FlexString `json:"doctor_id"`
	DoctorName string     `json:"doctor_name"`
	RegFee     FlexString `json:"reg_fee"`
	HisDocID   FlexString `json:"his_doc_id"`
	HisDepID   FlexString `json:"his_dep_id"`
}

// schMap tolerates the gateway serializing an empty schedule table as
// a PHP-style empty array instead of an object. Anything that is not
// an object decodes as no schedules.
type schMap map[string]json.RawMessage

func (m *schMap) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*m = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = raw
	return nil
}

type scheduleEnvelope struct {
	ResultCode FlexString `json:"result_code"`
	ErrorCode  FlexString `json:"error_code"`
	ErrorMsg   string     `json:"error_msg"`
	ErrorDesc  string     `json:"error_desc"`
	Msg        string     `json:"msg"`
	Message    string     `json:"message"`
	ResultMsg  string     `json:"result_msg"`
	Data       struct {
		Doc []wireDoctor `json:"doc"`
		Sch schMap       `json:"sch"`
	} `json:"data"`
}

func (e scheduleEnvelope) errorMessage() string {
	for _, msg := range []string{e.ErrorMsg, e.ErrorDesc, e.Msg, e.Message, e.ResultMsg} {
		if strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}

// Schedule queries the availability gateway for one department and
// date. Every distinct access token held by the session is tried in
// order until one produces a usable answer; an expired-login answer
// (error_code 10022) on every token surfaces as ErrLoginRequired.
//
// An empty date means today. A successful query with doctors listed
// but no open slots returns an empty slice and no error.
func (c *Client) Schedule(ctx context.Context, unitID, depID, date string) ([]DoctorSchedule, error) {
	ctx, span := tracer.Start(ctx, "client:Schedule")
	defer span.End()

	if date == "" {
		date = timezone.Now().Format("2006-01-02")
	}
	tokens := c.accessTokens()
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: missing access_hash", ErrLoginRequired)
	}

	loginExpired := false
	var diags []string
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var envelope scheduleEnvelope
		res, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"unit_id":  unitID,
				"dep_id":   depID,
				"date":     date,
				"p":        "0",
				"user_key": token,
			}).
			SetHeader("X-Requested-With", "XMLHttpRequest").
			SetHeader("Origin", c.ep.WWW).
			SetHeader("Referer", fmt.Sprintf("%s/guahao/ystep1/uid-%s/depid-%s.html", c.ep.WWW, unitID, depID)).
			SetResult(&envelope).
			Get(c.ep.Gate + "/guahao/v1/pc/sch/dep")
		if err != nil {
			diags = append(diags, fmt.Sprintf("schedule request failed: %v", err))
			continue
		}
		if res.StatusCode() != http.StatusOK {
			diags = append(diags, fmt.Sprintf("schedule http %d", res.StatusCode()))
			continue
		}
		if envelope.ResultCode == "" && envelope.ErrorCode == "" {
			// SetResult only decodes on JSON content types; fall back for
			// misdeclared bodies
			if err := json.Unmarshal(res.Body(), &envelope); err != nil {
				diags = append(diags, fmt.Sprintf("schedule decode failed: %v", err))
				continue
			}
		}

		switch {
		case envelope.ResultCode == "1":
			doctors := assembleDoctors(envelope)
			if len(doctors) > 0 {
				return doctors, nil
			}
			if len(envelope.Data.Doc) > 0 {
				return nil, nil
			}
			diags = append(diags, "schedule returned no doctors")
		case envelope.ErrorCode == "10022":
			loginExpired = true
		default:
			diags = append(diags, fmt.Sprintf(
				"schedule api error: code=%s msg=%s",
				firstNonEmptyString(envelope.ErrorCode.String(), envelope.ResultCode.String()),
				envelope.errorMessage(),
			))
		}
	}

	if loginExpired {
		err := fmt.Errorf("%w: error_code=10022", ErrLoginRequired)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(diags) == 0 {
		diags = append(diags, "schedule query failed")
	}
	err := errors.New(strings.Join(diags, "; "))
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func assembleDoctors(envelope scheduleEnvelope) []DoctorSchedule {
	doctors := make([]DoctorSchedule, 0, len(envelope.Data.Doc))
	for _, doc := range envelope.Data.Doc {
		doctorID := doc.DoctorID.String()
		if doctorID == "" {
			continue
		}
		raw, ok := envelope.Data.Sch[doctorID]
		if !ok {
			continue
		}
		var day wireDaySlots
		if err := json.Unmarshal(raw, &day); err != nil {
			continue
		}
		slots := append(append([]ScheduleSlot{}, day.AM...), day.PM...)
		if len(slots) == 0 {
			continue
		}

		totalLeft := 0
		for _, slot := range slots {
			totalLeft += slot.LeftNum
		}
		doctors = append(doctors, DoctorSchedule{
			DoctorID:     doctorID,
			DoctorName:   doc.DoctorName,
			RegFee:       doc.RegFee.String(),
			TotalLeftNum: totalLeft,
			HisDocID:     doc.HisDocID.String(),
			HisDepID:     doc.HisDepID.String(),
			Schedules:    slots,
			ScheduleID:   slots[0].ScheduleID,
			TimeTypeDesc: slots[0].TimeTypeDesc,
		})
	}
	return doctors
}

func firstNonEmptyString(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
