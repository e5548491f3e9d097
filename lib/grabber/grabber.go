package grabber

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"quickdoctor/lib/events"
	"quickdoctor/lib/scrapers/guahao"
	"quickdoctor/lib/timezone"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("grabber")

const (
	// dateQueryJitterMaxMs staggers per-date schedule queries so runs
	// over multiple dates don't hit the gateway in lockstep.
	dateQueryJitterMaxMs = 40
	// submitMinInterval is the floor between consecutive booking POSTs.
	submitMinInterval = 1800 * time.Millisecond
	// backoff window after the site answers "too fast"
	submitBackoffMinMs = 2500
	submitBackoffMaxMs = 4200
)

// Service is the slice of the site client the engine needs. Carved out
// as an interface so runs are testable against fakes.
type Service interface {
	Schedule(ctx context.Context, unitID, depID, date string) ([]guahao.DoctorSchedule, error)
	TicketDetail(ctx context.Context, unitID, depID, scheduleID, memberID string) (*guahao.TicketDetail, error)
	SubmitOrder(ctx context.Context, req guahao.SubmitRequest) (*guahao.SubmitResult, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// ProxyRotator hands out working proxies for the throttled-submit
// retry path.
type ProxyRotator interface {
	Rotate(ctx context.Context, protocol, country string) (string, error)
	Clear()
}

// Clock abstracts time so throttle spacing is testable without real
// sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return timezone.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Success describes a landed booking in presentation-ready terms.
type Success struct {
	UnitName   string `json:"unit_name"`
	DepName    string `json:"dep_name"`
	DoctorName string `json:"doctor_name"`
	Date       string `json:"date"`
	TimeSlot   string `json:"time_slot"`
	MemberName string `json:"member_name"`
	URL        string `json:"url,omitempty"`
}

type Result struct {
	Success bool
	Message string
	Detail  *Success
	Err     error
}

type Options struct {
	// Proxies is optional; without it throttled submits retry directly.
	Proxies ProxyRotator
	// Sink receives run progress; nil discards it.
	Sink events.Sink
	// Clock defaults to the wall clock.
	Clock Clock
}

// Grabber drives the retry/poll acquisition loop for one run at a
// time. It is not safe for concurrent Run calls.
type Grabber struct {
	svc     Service
	proxies ProxyRotator
	sink    events.Sink
	clock   Clock

	lastSubmitAt time.Time
}

func New(svc Service, opts Options) *Grabber {
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Grabber{
		svc:     svc,
		proxies: opts.Proxies,
		sink:    opts.Sink,
		clock:   clock,
	}
}

func (g *Grabber) emit(level events.Level, format string, args ...any) {
	if g.sink == nil {
		return
	}
	g.sink.Emit(level, fmt.Sprintf(format, args...))
}

// Run executes one acquisition until it books a slot, exhausts its
// retries, hits a fatal condition or ctx is canceled.
func (g *Grabber) Run(ctx context.Context, config Config) Result {
	ctx, span := tracer.Start(ctx, "grabber:Run")
	defer span.End()

	if err := config.Validate(); err != nil {
		g.emit(events.LevelError, "%v", err)
		return Result{Success: false, Message: err.Error(), Err: err}
	}

	g.emit(events.LevelInfo, "grab engine started")
	g.emit(events.LevelInfo, "grab config: dates=%s doctor_ids=%s time_types=%s preferred=%s",
		strings.Join(config.TargetDates, ","),
		strings.Join(config.DoctorIDs, ","),
		strings.Join(config.TimeTypes, ","),
		strings.Join(config.PreferredHours, ","),
	)
	if config.precise() {
		g.emit(events.LevelInfo, "grab mode: precise")
	} else {
		g.emit(events.LevelInfo, "grab mode: fuzzy")
	}
	if len(config.TimeTypes) == 0 {
		g.emit(events.LevelInfo, "time_types 未设置，默认 am/pm")
	}

	if config.StartTime != "" {
		g.waitUntil(ctx, config.StartTime, config.UseServerTime)
		if ctx.Err() != nil {
			return Result{Success: false, Message: "stopped", Err: ctx.Err()}
		}
	}

	retryInterval := time.Duration(config.retrySeconds() * float64(time.Second))
	attempt := 0
	for {
		if ctx.Err() != nil {
			return Result{Success: false, Message: "stopped", Err: ctx.Err()}
		}
		attempt++
		g.emit(events.LevelInfo, "attempt %d", attempt)

		success, fatalErr := g.tryOnce(ctx, config)
		if fatalErr != nil {
			return Result{Success: false, Message: fatalErr.Error(), Err: fatalErr}
		}
		if success != nil {
			g.emit(events.LevelSuccess, "grab success")
			return Result{Success: true, Message: "success", Detail: success}
		}

		if config.MaxRetries > 0 && attempt >= config.MaxRetries {
			g.emit(events.LevelWarn, "max retries reached (%d)", config.MaxRetries)
			return Result{Success: false, Message: "max retries reached"}
		}
		if err := g.clock.Sleep(ctx, retryInterval); err != nil {
			return Result{Success: false, Message: "stopped", Err: ctx.Err()}
		}
	}
}

// tryOnce makes one pass over the target dates. A nil, nil return
// means "nothing landed, retry".
func (g *Grabber) tryOnce(ctx context.Context, config Config) (*Success, error) {
	for _, date := range config.trimmedDates() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if jitter, err := random.IntRange(0, dateQueryJitterMaxMs); err == nil {
			_ = g.clock.Sleep(ctx, time.Duration(jitter)*time.Millisecond)
		}
		success, err := g.tryDate(ctx, config, date)
		if err != nil {
			return nil, err
		}
		if success != nil {
			return success, nil
		}
	}
	return nil, nil
}

func (g *Grabber) tryDate(ctx context.Context, config Config, date string) (*Success, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doctorSet := toSet(config.DoctorIDs)
	timeSet := toSet(config.TimeTypes)
	if len(timeSet) == 0 {
		timeSet = toSet([]string{"am", "pm"})
	}

	g.emit(events.LevelInfo, "schedule query: %s", date)
	docs, err := g.svc.Schedule(ctx, config.UnitID, config.DepID, date)
	if err != nil {
		if errors.Is(err, guahao.ErrLoginRequired) {
			g.emit(events.LevelError, "登录已失效，请重新扫码")
			return nil, fmt.Errorf("%w: 登录已失效，请重新扫码", guahao.ErrLoginRequired)
		}
		g.emit(events.LevelError, "schedule error: %v", err)
		return nil, nil
	}
	if len(docs) == 0 {
		g.emit(events.LevelWarn, "no schedule on %s", date)
		return nil, nil
	}
	g.emit(events.LevelInfo, "schedule result: docs=%d", len(docs))

	stats := newDateStats()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(doctorSet) > 0 {
			if _, ok := doctorSet[doc.DoctorID]; !ok {
				continue
			}
		}
		stats.matchedDoctors++

		for _, slot := range doc.Schedules {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			stats.observe(slot)

			if _, ok := timeSet[slot.TimeType]; !ok {
				stats.filteredByTime++
				continue
			}
			stats.checkedSlots++
			if slot.LeftNum <= 0 || slot.ScheduleID == "" {
				continue
			}
			stats.matchedSlots++
			g.emit(events.LevelSuccess, "found slot: %s - %s (left %d)", doc.DoctorName, slot.TimeTypeDesc, slot.LeftNum)

			success, stop, err := g.pursueSlot(ctx, config, date, doc, slot)
			if err != nil {
				return nil, err
			}
			if success != nil {
				return success, nil
			}
			if stop {
				stats.report(g, config, date)
				return nil, nil
			}
		}
	}

	stats.report(g, config, date)
	return nil, nil
}

// pursueSlot fetches the booking page for one open slot and tries to
// land it, including the throttled-submit backoff path. The bool
// return asks the caller to abandon the rest of this date pass (set
// after a throttle bounce, so the next probe starts fresh).
func (g *Grabber) pursueSlot(ctx context.Context, config Config, date string, doc guahao.DoctorSchedule, slot guahao.ScheduleSlot) (*Success, bool, error) {
	detail, err := g.svc.TicketDetail(ctx, config.UnitID, config.DepID, slot.ScheduleID, config.MemberID)
	if err != nil || detail == nil {
		g.emit(events.LevelWarn, "ticket detail unavailable")
		return nil, false, nil
	}
	if len(detail.TimeSlots) == 0 {
		return nil, false, nil
	}
	if detail.SchData == "" || detail.DetlidRealtime == "" || detail.LevelCode == "" {
		g.emit(events.LevelWarn, "ticket detail missing fields")
		return nil, false, nil
	}

	selected := pickTimeSlot(detail.TimeSlots, config.PreferredHours)
	g.emit(events.LevelInfo, "selected time slot: %s", selected.Name)

	addressID, addressText := g.resolveAddress(config, detail)
	if addressID == "" || addressText == "" {
		g.emit(events.LevelError, "missing address info")
		return nil, false, nil
	}

	submit := guahao.SubmitRequest{
		UnitID:         config.UnitID,
		DepID:          config.DepID,
		ScheduleID:     slot.ScheduleID,
		TimeType:       slot.TimeType,
		DoctorID:       doc.DoctorID,
		HisDocID:       doc.HisDocID,
		HisDepID:       doc.HisDepID,
		Detlid:         selected.Value,
		MemberID:       config.MemberID,
		AddressID:      addressID,
		Address:        addressText,
		SchData:        detail.SchData,
		LevelCode:      detail.LevelCode,
		DetlidRealtime: detail.DetlidRealtime,
		SchDate:        detail.SchDate,
		HisMemID:       detail.HisMemID,
		OrderNo:        detail.OrderNo,
		DiseaseInput:   detail.DiseaseInput,
		DiseaseContent: detail.DiseaseContent,
		IsHot:          detail.IsHot,
	}

	result, err := g.submitOnce(ctx, submit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		g.emit(events.LevelError, "submit error: %v", err)
		return nil, false, nil
	}
	if result != nil && result.Success {
		return g.successDetail(config, date, doc.DoctorName, selected.Name, result.URL), false, nil
	}

	msg := "submit failed"
	if result != nil && result.Message != "" {
		msg = result.Message
	}
	if !isTooFastMessage(msg) {
		g.emit(events.LevelError, "%s", msg)
		return nil, false, nil
	}

	// throttled: back off, optionally behind a fresh proxy, and retry
	// once. A throttle bounce is not a failed attempt.
	proxyURL := ""
	if config.UseProxySubmit && g.proxies != nil {
		rotated, rerr := g.proxies.Rotate(ctx, "", "")
		if rerr != nil {
			g.emit(events.LevelWarn, "proxy rotate failed: %v", rerr)
		} else {
			proxyURL = rotated
			g.emit(events.LevelInfo, "proxy switched: %s", proxyURL)
		}
	} else if !config.UseProxySubmit {
		g.emit(events.LevelInfo, "proxy submit disabled, skip proxy retry")
	}

	backoffMs, rerr := random.IntRange(submitBackoffMinMs, submitBackoffMaxMs+1)
	if rerr != nil {
		backoffMs = submitBackoffMinMs
	}
	g.emit(events.LevelWarn, "submit throttled, backoff %dms", backoffMs)
	if err := g.clock.Sleep(ctx, time.Duration(backoffMs)*time.Millisecond); err != nil {
		return nil, false, ctx.Err()
	}

	if proxyURL == "" {
		return nil, true, nil
	}
	submit.ProxyURL = proxyURL
	retryResult, retryErr := g.submitOnce(ctx, submit)
	g.proxies.Clear()
	if retryErr != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		g.emit(events.LevelError, "submit retry error: %v", retryErr)
		return nil, true, nil
	}
	if retryResult != nil && retryResult.Success {
		return g.successDetail(config, date, doc.DoctorName, selected.Name, retryResult.URL), false, nil
	}
	retryMsg := "submit retry failed"
	if retryResult != nil && retryResult.Message != "" {
		retryMsg = retryResult.Message
	}
	g.emit(events.LevelWarn, "%s", retryMsg)
	return nil, true, nil
}

func (g *Grabber) successDetail(config Config, date, doctorName, timeSlot, url string) *Success {
	unitName := fallback(config.UnitName, config.UnitID)
	depName := fallback(config.DepName, config.DepID)
	memberName := fallback(config.MemberName, config.MemberID)
	g.emit(events.LevelSuccess, "success: %s / %s / %s", unitName, depName, doctorName)
	return &Success{
		UnitName:   unitName,
		DepName:    depName,
		DoctorName: doctorName,
		Date:       date,
		TimeSlot:   timeSlot,
		MemberName: memberName,
		URL:        url,
	}
}

// submitOnce enforces the minimum spacing between booking POSTs before
// delegating to the client.
func (g *Grabber) submitOnce(ctx context.Context, req guahao.SubmitRequest) (*guahao.SubmitResult, error) {
	if !g.lastSubmitAt.IsZero() {
		elapsed := g.clock.Now().Sub(g.lastSubmitAt)
		if elapsed < submitMinInterval {
			wait := submitMinInterval - elapsed
			g.emit(events.LevelInfo, "submit throttle: wait %dms", wait.Milliseconds())
			if err := g.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	g.lastSubmitAt = g.clock.Now()
	return g.svc.SubmitOrder(ctx, req)
}

func (g *Grabber) resolveAddress(config Config, detail *guahao.TicketDetail) (string, string) {
	addressID := guahao.NormalizeAddressID(config.AddressID)
	addressText := guahao.NormalizeAddressText(config.Address)

	if addressID == "" || addressText == "" {
		addressID = guahao.NormalizeAddressID(detail.AddressID)
		addressText = guahao.NormalizeAddressText(detail.Address)
	}
	if (addressID == "" || addressText == "") && len(detail.Addresses) > 0 {
		for _, item := range detail.Addresses {
			candID := guahao.NormalizeAddressID(item.ID)
			candText := guahao.NormalizeAddressText(item.Text)
			if candID == "" || candText == "" {
				continue
			}
			addressID = candID
			addressText = candText
			g.emit(events.LevelWarn, "fallback address: %s", addressText)
			break
		}
	}
	return addressID, addressText
}

// waitUntil arms the run: coarse sleeps until two seconds before the
// target, then a busy yield loop for the final stretch so the first
// query lands as close to the tick as the host allows.
func (g *Grabber) waitUntil(ctx context.Context, target string, useServerTime bool) {
	parsed, err := time.Parse("15:04:05", target)
	if err != nil {
		g.emit(events.LevelError, "invalid time format: %s", target)
		return
	}

	now := g.clock.Now()
	at := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), parsed.Second(), 0, now.Location())
	if useServerTime {
		at = at.Add(-g.calibrateOffset(ctx))
	}
	if !at.After(now) {
		g.emit(events.LevelWarn, "target time already passed: %s", target)
		return
	}
	g.emit(events.LevelInfo, "waiting %0.1fs to start", at.Sub(now).Seconds())

	for {
		if ctx.Err() != nil {
			return
		}
		remaining := at.Sub(g.clock.Now())
		if remaining <= 2*time.Second {
			break
		}
		sleep := remaining - 2*time.Second
		if sleep > time.Second {
			sleep = time.Second
		}
		if g.clock.Sleep(ctx, sleep) != nil {
			return
		}
	}

	spinStart := g.clock.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if g.clock.Now().After(at) {
			break
		}
		runtime.Gosched()
	}
	g.emit(events.LevelInfo, "start trigger (spin=%dms delay=%dms)",
		g.clock.Now().Sub(spinStart).Milliseconds(),
		g.clock.Now().Sub(at).Milliseconds(),
	)
}

// calibrateOffset estimates server minus local time, splitting the
// round trip down the middle.
func (g *Grabber) calibrateOffset(ctx context.Context) time.Duration {
	start := g.clock.Now()
	serverTime, err := g.svc.ServerTime(ctx)
	end := g.clock.Now()
	if err != nil || serverTime.IsZero() {
		g.emit(events.LevelWarn, "server time unavailable")
		return 0
	}
	localMid := start.Add(end.Sub(start) / 2)
	offset := serverTime.Sub(localMid)
	g.emit(events.LevelInfo, "time offset %0.3fs", offset.Seconds())
	return offset
}

func pickTimeSlot(slots []guahao.TimeSlot, preferred []string) guahao.TimeSlot {
	if len(slots) == 0 {
		return guahao.TimeSlot{}
	}
	for _, p := range preferred {
		for _, slot := range slots {
			if slot.Name == p {
				return slot
			}
		}
	}
	return slots[0]
}

func isTooFastMessage(message string) bool {
	message = strings.TrimSpace(message)
	if message == "" {
		return false
	}
	return strings.Contains(message, "太快") ||
		strings.Contains(message, "频繁") ||
		strings.Contains(message, "刷新")
}

// dateStats accumulates per-date diagnostics so a fruitless pass can
// explain itself.
type dateStats struct {
	matchedDoctors int
	totalSlots     int
	checkedSlots   int
	matchedSlots   int
	filteredByTime int
	timeTypeCounts map[string]int
	leftByType     map[string]int
	samples        []string
}

func newDateStats() *dateStats {
	return &dateStats{
		timeTypeCounts: map[string]int{},
		leftByType:     map[string]int{},
	}
}

func (s *dateStats) observe(slot guahao.ScheduleSlot) {
	s.totalSlots++
	s.timeTypeCounts[slot.TimeType]++
	if slot.LeftNum > 0 {
		s.leftByType[slot.TimeType]++
	}
	if len(s.samples) < 3 {
		s.samples = append(s.samples, fmt.Sprintf("%s/%s left=%d id=%s",
			slot.TimeType, slot.TimeTypeDesc, slot.LeftNum, slot.ScheduleID))
	}
}

func (s *dateStats) report(g *Grabber, config Config, date string) {
	if s.matchedDoctors > 0 && s.matchedSlots == 0 {
		g.emit(events.LevelInfo, "schedule stats: doctors=%d slots=%d passed_time=%d left>0=%d time_types=%s left_by_type=%s",
			s.matchedDoctors, s.totalSlots, s.checkedSlots, s.matchedSlots,
			formatCountMap(s.timeTypeCounts), formatCountMap(s.leftByType))
		if len(s.samples) > 0 {
			g.emit(events.LevelInfo, "schedule samples: %s", strings.Join(s.samples, " | "))
		}
	}

	if config.precise() {
		switch {
		case len(config.DoctorIDs) > 0 && s.matchedDoctors == 0:
			g.emit(events.LevelWarn, "精细条件医生在 %s 无排班", date)
		case s.matchedDoctors > 0 && s.matchedSlots == 0 && s.filteredByTime > 0 && s.checkedSlots == 0:
			g.emit(events.LevelWarn, "精细条件时间段在 %s 无可用排班", date)
		case s.matchedDoctors > 0 && s.matchedSlots == 0 && s.checkedSlots > 0:
			g.emit(events.LevelWarn, "精细条件排班在 %s 无剩余号源", date)
		}
	} else if s.matchedDoctors > 0 && s.matchedSlots == 0 && s.checkedSlots > 0 {
		g.emit(events.LevelWarn, "排班存在但 %s 无剩余号源", date)
	}
}

func formatCountMap(values map[string]int) string {
	if len(values) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	items := make([]string, 0, len(keys))
	for _, key := range keys {
		items = append(items, fmt.Sprintf("%s=%d", key, values[key]))
	}
	return strings.Join(items, ",")
}
