package grabber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"quickdoctor/lib/events"
	"quickdoctor/lib/scrapers/guahao"

	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	entries []string
}

func (s *memorySink) Emit(level events.Level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, fmt.Sprintf("[%s] %s", level, message))
}

func (s *memorySink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.entries, "\n")
}

type fakeClock struct {
	now time.Time
	// tick advances the clock on every Now call so busy-wait loops
	// terminate under test.
	tick   time.Duration
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(c.tick)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type fakeService struct {
	scheduleFn    func(date string) ([]guahao.DoctorSchedule, error)
	scheduleCalls int

	detail *guahao.TicketDetail

	submits       []guahao.SubmitRequest
	submitResults []*guahao.SubmitResult

	serverTime time.Time
}

func (f *fakeService) Schedule(ctx context.Context, unitID, depID, date string) ([]guahao.DoctorSchedule, error) {
	f.scheduleCalls++
	if f.scheduleFn == nil {
		return nil, nil
	}
	return f.scheduleFn(date)
}

func (f *fakeService) TicketDetail(ctx context.Context, unitID, depID, scheduleID, memberID string) (*guahao.TicketDetail, error) {
	if f.detail == nil {
		return nil, errors.New("no detail")
	}
	return f.detail, nil
}

func (f *fakeService) SubmitOrder(ctx context.Context, req guahao.SubmitRequest) (*guahao.SubmitResult, error) {
	f.submits = append(f.submits, req)
	if len(f.submitResults) == 0 {
		return &guahao.SubmitResult{Success: false, Message: "submit failed"}, nil
	}
	result := f.submitResults[0]
	f.submitResults = f.submitResults[1:]
	return result, nil
}

func (f *fakeService) ServerTime(ctx context.Context) (time.Time, error) {
	return f.serverTime, nil
}

type fakeRotator struct {
	proxy   string
	err     error
	rotates int
	clears  int
}

func (f *fakeRotator) Rotate(ctx context.Context, protocol, country string) (string, error) {
	f.rotates++
	return f.proxy, f.err
}

func (f *fakeRotator) Clear() { f.clears++ }

func openSchedule() []guahao.DoctorSchedule {
	return []guahao.DoctorSchedule{{
		DoctorID:   "doc1",
		DoctorName: "Dr. Li",
		HisDocID:   "h1",
		HisDepID:   "hd1",
		Schedules: []guahao.ScheduleSlot{{
			ScheduleID:   "s1",
			TimeType:     "am",
			TimeTypeDesc: "上午",
			LeftNum:      3,
			SchDate:      "2024-06-03",
		}},
	}}
}

func fullDetail() *guahao.TicketDetail {
	return &guahao.TicketDetail{
		TimeSlots: []guahao.TimeSlot{
			{Name: "08:00-08:30", Value: "601"},
			{Name: "09:00-09:30", Value: "602"},
		},
		SchData:        "blob",
		DetlidRealtime: "rt",
		LevelCode:      "1",
		SchDate:        "2024-06-03",
		OrderNo:        "ON",
		AddressID:      "31",
		Address:        "福田区梅林路",
	}
}

func baseConfig() Config {
	return Config{
		UnitID:      "u1",
		DepID:       "d1",
		MemberID:    "m1",
		TargetDates: []string{"2024-06-03"},
		MaxRetries:  1,
	}
}

func TestRunValidatesConfig(t *testing.T) {
	g := New(&fakeService{}, Options{Clock: newFakeClock()})
	result := g.Run(context.Background(), Config{DepID: "d", MemberID: "m", TargetDates: []string{"x"}})
	require.False(t, result.Success)
	require.ErrorContains(t, result.Err, "unit_id is required")
}

func TestRunBooksOpenSlot(t *testing.T) {
	svc := &fakeService{
		scheduleFn:    func(string) ([]guahao.DoctorSchedule, error) { return openSchedule(), nil },
		detail:        fullDetail(),
		submitResults: []*guahao.SubmitResult{{Success: true, Message: "OK", URL: "https://x/success"}},
	}
	sink := &memorySink{}
	g := New(svc, Options{Sink: sink, Clock: newFakeClock()})

	config := baseConfig()
	config.UnitName = "市人民医院"
	config.PreferredHours = []string{"09:00-09:30"}

	result := g.Run(context.Background(), config)
	require.True(t, result.Success)
	require.NotNil(t, result.Detail)
	require.Equal(t, "市人民医院", result.Detail.UnitName)
	require.Equal(t, "d1", result.Detail.DepName)
	require.Equal(t, "Dr. Li", result.Detail.DoctorName)
	require.Equal(t, "09:00-09:30", result.Detail.TimeSlot)
	require.Equal(t, "https://x/success", result.Detail.URL)

	require.Len(t, svc.submits, 1)
	submit := svc.submits[0]
	// preferred hour picked its matching detlid
	require.Equal(t, "602", submit.Detlid)
	require.Equal(t, "s1", submit.ScheduleID)
	require.Equal(t, "am", submit.TimeType)
	require.Equal(t, "h1", submit.HisDocID)
	require.Equal(t, "31", submit.AddressID)
	require.Contains(t, sink.joined(), "grab success")
}

func TestRunAbortsWhenLoginExpires(t *testing.T) {
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) {
			return nil, fmt.Errorf("%w: error_code=10022", guahao.ErrLoginRequired)
		},
	}
	g := New(svc, Options{Clock: newFakeClock()})

	config := baseConfig()
	config.MaxRetries = 0 // unbounded, the abort must come from the error

	result := g.Run(context.Background(), config)
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, guahao.ErrLoginRequired)
	require.Equal(t, 1, svc.scheduleCalls)
}

func TestRunTransientScheduleErrorsAreRetried(t *testing.T) {
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) {
			return nil, errors.New("schedule http 502")
		},
	}
	g := New(svc, Options{Clock: newFakeClock()})

	config := baseConfig()
	config.MaxRetries = 3

	result := g.Run(context.Background(), config)
	require.False(t, result.Success)
	require.Equal(t, "max retries reached", result.Message)
	require.Equal(t, 3, svc.scheduleCalls)
}

func TestRunRespectsDoctorAndTimeFilters(t *testing.T) {
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) { return openSchedule(), nil },
		detail:     fullDetail(),
	}
	g := New(svc, Options{Clock: newFakeClock()})

	config := baseConfig()
	config.DoctorIDs = []string{"someone-else"}

	result := g.Run(context.Background(), config)
	require.False(t, result.Success)
	require.Empty(t, svc.submits)

	// time filter keeps the am slot out
	svc2 := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) { return openSchedule(), nil },
		detail:     fullDetail(),
	}
	g2 := New(svc2, Options{Clock: newFakeClock()})
	config2 := baseConfig()
	config2.TimeTypes = []string{"pm"}

	result2 := g2.Run(context.Background(), config2)
	require.False(t, result2.Success)
	require.Empty(t, svc2.submits)
}

func TestSubmitThrottleEnforcesSpacing(t *testing.T) {
	schedule := openSchedule()
	schedule[0].Schedules = append(schedule[0].Schedules, guahao.ScheduleSlot{
		ScheduleID:   "s2",
		TimeType:     "am",
		TimeTypeDesc: "上午",
		LeftNum:      1,
		SchDate:      "2024-06-03",
	})
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) { return schedule, nil },
		detail:     fullDetail(),
		submitResults: []*guahao.SubmitResult{
			{Success: false, Message: "该号源已被约满"},
			{Success: true, Message: "OK"},
		},
	}
	clock := newFakeClock()
	g := New(svc, Options{Clock: clock})

	result := g.Run(context.Background(), baseConfig())
	require.True(t, result.Success)
	require.Len(t, svc.submits, 2)

	var waited bool
	for _, d := range clock.sleeps {
		if d == submitMinInterval {
			waited = true
		}
	}
	require.True(t, waited, "second submit must wait out the minimum spacing, got sleeps %v", clock.sleeps)
}

func TestTooFastBackoffRetriesThroughProxy(t *testing.T) {
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) { return openSchedule(), nil },
		detail:     fullDetail(),
		submitResults: []*guahao.SubmitResult{
			{Success: false, Message: "操作太频繁，请稍后再试"},
			{Success: true, Message: "OK", URL: "https://x/success"},
		},
	}
	rotator := &fakeRotator{proxy: "http://1.2.3.4:8080"}
	clock := newFakeClock()
	g := New(svc, Options{Proxies: rotator, Clock: clock})

	config := baseConfig()
	config.UseProxySubmit = true

	result := g.Run(context.Background(), config)
	require.True(t, result.Success)
	require.Equal(t, 1, rotator.rotates)
	require.Equal(t, 1, rotator.clears)

	require.Len(t, svc.submits, 2)
	require.Empty(t, svc.submits[0].ProxyURL)
	require.Equal(t, "http://1.2.3.4:8080", svc.submits[1].ProxyURL)

	var backedOff bool
	for _, d := range clock.sleeps {
		ms := d.Milliseconds()
		if ms >= submitBackoffMinMs && ms <= submitBackoffMaxMs {
			backedOff = true
		}
	}
	require.True(t, backedOff, "expected a backoff sleep in the throttle window, got %v", clock.sleeps)
}

func TestTooFastWithoutProxyBacksOffAndRetries(t *testing.T) {
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) { return openSchedule(), nil },
		detail:     fullDetail(),
		submitResults: []*guahao.SubmitResult{
			{Success: false, Message: "手速太快了，请刷新重试"},
		},
	}
	sink := &memorySink{}
	clock := newFakeClock()
	g := New(svc, Options{Sink: sink, Clock: clock})

	config := baseConfig()
	config.UseProxySubmit = false
	config.MaxRetries = 1

	result := g.Run(context.Background(), config)
	require.False(t, result.Success)
	require.Equal(t, "max retries reached", result.Message)
	require.Len(t, svc.submits, 1)
	require.Contains(t, sink.joined(), "submit throttled")
	require.Contains(t, sink.joined(), "proxy submit disabled")
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &fakeService{
		scheduleFn: func(string) ([]guahao.DoctorSchedule, error) {
			cancel()
			return nil, nil
		},
	}
	g := New(svc, Options{Clock: newFakeClock()})

	config := baseConfig()
	config.MaxRetries = 0

	result := g.Run(ctx, config)
	require.False(t, result.Success)
	require.Equal(t, "stopped", result.Message)
}

func TestPickTimeSlot(t *testing.T) {
	slots := []guahao.TimeSlot{
		{Name: "08:00-08:30", Value: "601"},
		{Name: "09:00-09:30", Value: "602"},
	}
	require.Equal(t, "601", pickTimeSlot(slots, nil).Value)
	require.Equal(t, "602", pickTimeSlot(slots, []string{"09:00-09:30"}).Value)
	require.Equal(t, "601", pickTimeSlot(slots, []string{"10:00-10:30"}).Value)
	require.Empty(t, pickTimeSlot(nil, nil).Value)
}

func TestResolveAddressLayers(t *testing.T) {
	g := New(&fakeService{}, Options{Clock: newFakeClock()})

	detail := &guahao.TicketDetail{
		AddressID: "31",
		Address:   "福田区梅林路",
		Addresses: []guahao.AddressOption{{ID: "40", Text: "南山区科技园"}},
	}

	// explicit config wins
	id, text := g.resolveAddress(Config{AddressID: "7", Address: "罗湖区"}, detail)
	require.Equal(t, "7", id)
	require.Equal(t, "罗湖区", text)

	// detail's own resolution next
	id, text = g.resolveAddress(Config{}, detail)
	require.Equal(t, "31", id)

	// placeholder config falls through to the detail
	id, _ = g.resolveAddress(Config{AddressID: "0", Address: "请选择地址"}, detail)
	require.Equal(t, "31", id)

	// candidate list is the last resort
	id, text = g.resolveAddress(Config{}, &guahao.TicketDetail{
		Addresses: []guahao.AddressOption{
			{ID: "-1", Text: "请选择"},
			{ID: "40", Text: "南山区科技园"},
		},
	})
	require.Equal(t, "40", id)
	require.Equal(t, "南山区科技园", text)
}

func TestIsTooFastMessage(t *testing.T) {
	require.True(t, isTooFastMessage("操作太频繁"))
	require.True(t, isTooFastMessage("手速太快"))
	require.True(t, isTooFastMessage("请刷新后重试"))
	require.False(t, isTooFastMessage("号源已满"))
	require.False(t, isTooFastMessage(""))
}

func TestWaitUntilAlreadyPassed(t *testing.T) {
	sink := &memorySink{}
	clock := newFakeClock() // 08:00:00
	g := New(&fakeService{}, Options{Sink: sink, Clock: clock})

	g.waitUntil(context.Background(), "07:00:00", false)
	require.Contains(t, sink.joined(), "target time already passed")
	require.Empty(t, clock.sleeps)
}

func TestWaitUntilCoarseSleeps(t *testing.T) {
	clock := newFakeClock() // 08:00:00
	clock.tick = 50 * time.Millisecond
	g := New(&fakeService{}, Options{Clock: clock})

	g.waitUntil(context.Background(), "08:00:05", false)
	require.NotEmpty(t, clock.sleeps)
	require.True(t, clock.now.After(time.Date(2024, 6, 1, 8, 0, 5, 0, time.UTC)))
}
