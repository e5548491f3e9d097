package guahao

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrLoginRequired marks failures the caller can only fix by going
// through the QR login again.
var ErrLoginRequired = errors.New("login required")

// FlexString decodes a JSON string or number into a string. The site
// is not consistent about which one it sends for ids.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = FlexString(num.String())
	return nil
}

func (s FlexString) String() string {
	return string(s)
}

// FlexInt decodes a JSON number or numeric string into an int.
// Anything unparseable becomes zero.
type FlexInt int

func (i *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*i = 0
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := strconv.Atoi(str)
		if err != nil {
			*i = 0
			return nil
		}
		*i = FlexInt(parsed)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	parsed, err := num.Int64()
	if err != nil {
		if f, ferr := num.Float64(); ferr == nil {
			*i = FlexInt(int(f))
			return nil
		}
		*i = 0
		return nil
	}
	*i = FlexInt(parsed)
	return nil
}

func (i FlexInt) Int() int {
	return int(i)
}

type Hospital struct {
	UnitID   FlexString `json:"unit_id"`
	UnitName string     `json:"unit_name"`
}

// Department entries come back as a two-level tree, top-level
// categories carrying the bookable children.
type Department struct {
	DepID   FlexString   `json:"dep_id"`
	DepName string       `json:"dep_name"`
	Childs  []Department `json:"childs,omitempty"`
}

type Member struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Certified bool   `json:"certified"`
}

type TimeSlot struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type AddressOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// TicketDetail is everything scraped off the booking confirmation page
// that the submit form needs back.
type TicketDetail struct {
	TimeSlots      []TimeSlot      `json:"time_slots"`
	SchData        string          `json:"sch_data"`
	DetlidRealtime string          `json:"detlid_realtime"`
	LevelCode      string          `json:"level_code"`
	SchDate        string          `json:"sch_date"`
	OrderNo        string          `json:"order_no"`
	DiseaseContent string          `json:"disease_content"`
	DiseaseInput   string          `json:"disease_input"`
	IsHot          string          `json:"is_hot"`
	HisMemID       string          `json:"hisMemId"`
	AddressID      string          `json:"addressId"`
	Address        string          `json:"address"`
	Addresses      []AddressOption `json:"addresses"`
}

type ScheduleSlot struct {
	ScheduleID   string `json:"schedule_id"`
	TimeType     string `json:"time_type"`
	TimeTypeDesc string `json:"time_type_desc"`
	LeftNum      int    `json:"left_num"`
	SchDate      string `json:"sch_date"`
}

// DoctorSchedule joins a doctor from the `doc` list with the slots the
// `sch` map holds under that doctor's id. Only doctors with at least
// one slot survive the decode.
type DoctorSchedule struct {
	DoctorID     string         `json:"doctor_id"`
	DoctorName   string         `json:"doctor_name"`
	RegFee       string         `json:"reg_fee"`
	TotalLeftNum int            `json:"total_left_num"`
	HisDocID     string         `json:"his_doc_id"`
	HisDepID     string         `json:"his_dep_id"`
	Schedules    []ScheduleSlot `json:"schedules"`
	ScheduleID   string         `json:"schedule_id"`
	TimeTypeDesc string         `json:"time_type_desc"`
}

// SubmitRequest carries the booking form. Fields the caller leaves
// empty are backfilled from a fresh TicketDetail fetch before posting.
type SubmitRequest struct {
	SchData        string
	MemberID       string
	AddressID      string
	Address        string
	HisMemID       string
	DiseaseInput   string
	OrderNo        string
	DiseaseContent string
	UnitID         string
	ScheduleID     string
	DepID          string
	HisDepID       string
	SchDate        string
	TimeType       string
	DoctorID       string
	HisDocID       string
	Detlid         string
	DetlidRealtime string
	LevelCode      string
	IsHot          string

	// ProxyURL, when set, routes the final POST through that proxy on
	// a one-off client sharing this session's cookies.
	ProxyURL string
}

type SubmitResult struct {
	Success bool   `json:"success"`
	Message string `json:"msg"`
	URL     string `json:"url,omitempty"`
}
