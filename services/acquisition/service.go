// Package acquisition owns the shared site client, session store,
// proxy pool, history store and event bus, and arbitrates the two
// long-running flows (QR login, grab run) so at most one of each is
// active at a time.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quickdoctor/lib/citydata"
	"quickdoctor/lib/cookiestore"
	"quickdoctor/lib/events"
	"quickdoctor/lib/grabber"
	"quickdoctor/lib/history"
	"quickdoctor/lib/scrapers/guahao"
	"quickdoctor/lib/scrapers/wechatqr"
)

type Options struct {
	Client *guahao.Client
	Store  cookiestore.Store
	// History is optional; without it run outcomes are not persisted.
	History *history.Store
	// Proxies is optional; without it throttled submits retry directly.
	Proxies grabber.ProxyRotator
	// Bus receives run logs and QR status updates.
	Bus *events.Bus
	// Cities defaults to the built-in catalog.
	Cities []citydata.City

	// QREndpoints defaults to production when zero.
	QREndpoints wechatqr.Endpoints
	// QRTimeout bounds one QR handshake; zero takes the login default.
	QRTimeout time.Duration

	// OnQRImage receives the QR png/jpeg to display.
	OnQRImage func(img []byte, uuid string)
	// OnLoginStatus fires when the session becomes valid or invalid.
	OnLoginStatus func(loggedIn bool)
	// OnGrabFinished fires once per grab run, including stopped ones.
	OnGrabFinished func(result grabber.Result)
}

type Service struct {
	client  *guahao.Client
	store   cookiestore.Store
	history *history.Store
	proxies grabber.ProxyRotator
	bus     *events.Bus
	cities  []citydata.City

	qrEndpoints wechatqr.Endpoints
	qrTimeout   time.Duration

	onQRImage      func(img []byte, uuid string)
	onLoginStatus  func(loggedIn bool)
	onGrabFinished func(result grabber.Result)

	qrMu     sync.Mutex
	qrCancel context.CancelFunc
	qrToken  uint64

	grabMu     sync.Mutex
	grabCancel context.CancelFunc
	grabToken  uint64

	// swapped out in tests
	grabRunFn func(ctx context.Context, config grabber.Config) grabber.Result
	qrRunFn   func(ctx context.Context)
}

func NewService(opts Options) *Service {
	cities := opts.Cities
	if len(cities) == 0 {
		cities = citydata.Default
	}
	s := &Service{
		client:         opts.Client,
		store:          opts.Store,
		history:        opts.History,
		proxies:        opts.Proxies,
		bus:            opts.Bus,
		cities:         cities,
		qrEndpoints:    opts.QREndpoints,
		qrTimeout:      opts.QRTimeout,
		onQRImage:      opts.OnQRImage,
		onLoginStatus:  opts.OnLoginStatus,
		onGrabFinished: opts.OnGrabFinished,
	}
	s.grabRunFn = s.runGrabber
	s.qrRunFn = s.runQRLogin
	return s
}

func (s *Service) log(level events.Level, format string, args ...any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(level, fmt.Sprintf(format, args...))
}

func (s *Service) status(message string) {
	if s.bus == nil {
		return
	}
	s.bus.EmitStatus(message)
}

func (s *Service) loginStatus(loggedIn bool) {
	if s.onLoginStatus != nil {
		s.onLoginStatus(loggedIn)
	}
}

// Cities returns the city catalog.
func (s *Service) Cities() []citydata.City {
	return s.cities
}

// CityPinyin resolves the subdomain for a city id.
func (s *Service) CityPinyin(cityID string) string {
	return citydata.PinyinOf(s.cities, cityID)
}

func (s *Service) Hospitals(ctx context.Context, cityID string) ([]guahao.Hospital, error) {
	return s.client.HospitalsByCity(ctx, cityID)
}

func (s *Service) Departments(ctx context.Context, unitID, cityID string) ([]guahao.Department, error) {
	return s.client.DepartmentsByUnit(ctx, unitID, s.CityPinyin(cityID))
}

func (s *Service) Members(ctx context.Context) ([]guahao.Member, error) {
	return s.client.Members(ctx)
}

func (s *Service) Schedule(ctx context.Context, unitID, depID, date string) ([]guahao.DoctorSchedule, error) {
	return s.client.Schedule(ctx, unitID, depID, date)
}

// CheckLogin probes the session and reports the outcome on the bus and
// the login-status callback.
func (s *Service) CheckLogin(ctx context.Context) bool {
	if !s.client.HasCredential() {
		s.log(events.LevelWarn, "登录校验：缺少 access_hash")
		s.loginStatus(false)
		return false
	}
	ok := s.client.CheckLogin(ctx)
	if ok {
		s.log(events.LevelSuccess, "登录校验通过")
	} else {
		s.log(events.LevelWarn, "登录校验失败")
	}
	s.loginStatus(ok)
	return ok
}

// StartQRLogin kicks off a QR handshake in the background. A flow
// already in progress is canceled and replaced.
func (s *Service) StartQRLogin() {
	s.qrMu.Lock()
	if s.qrCancel != nil {
		s.qrCancel()
	}
	s.qrToken++
	token := s.qrToken
	ctx, cancel := context.WithCancel(context.Background())
	s.qrCancel = cancel
	s.qrMu.Unlock()

	go func() {
		defer func() {
			s.qrMu.Lock()
			if s.qrToken == token {
				s.qrCancel = nil
			}
			s.qrMu.Unlock()
		}()
		s.qrRunFn(ctx)
	}()
}

func (s *Service) StopQRLogin() {
	s.qrMu.Lock()
	if s.qrCancel != nil {
		s.qrCancel()
		s.qrCancel = nil
	}
	s.qrMu.Unlock()
}

func (s *Service) runQRLogin(ctx context.Context) {
	login, err := wechatqr.NewLogin(wechatqr.Options{
		Store:     s.store,
		Endpoints: s.qrEndpoints,
	})
	if err != nil {
		s.log(events.LevelError, "二维码登录初始化失败: %v", err)
		s.status("二维码登录初始化失败")
		return
	}

	s.status("正在获取二维码...")
	img, uuid, err := login.FetchQR(ctx)
	if err != nil {
		s.log(events.LevelError, "获取二维码失败: %v", err)
		s.status("获取二维码失败")
		return
	}
	if s.onQRImage != nil {
		s.onQRImage(img, uuid)
	}
	s.status("请使用微信扫码")

	result := login.Poll(ctx, s.qrTimeout, func(msg string) {
		s.status(translateQRStatus(msg))
	})
	if result.Success {
		s.log(events.LevelSuccess, "登录成功")
		if err := s.client.AdoptSession(result.Records); err != nil {
			s.log(events.LevelWarn, "会话保存失败: %v", err)
		}
		s.loginStatus(true)
		return
	}
	s.log(events.LevelError, "登录失败: %s", translateQRError(result.Message))
	s.loginStatus(false)
}

// StartGrab launches a run in the background. A run already in
// progress is canceled and replaced. Fails fast without a credential.
func (s *Service) StartGrab(config grabber.Config) error {
	if !s.client.HasCredential() {
		s.log(events.LevelError, "缺少 access_hash，无法启动抢号")
		s.loginStatus(false)
		return fmt.Errorf("%w: 请先扫码登录", guahao.ErrLoginRequired)
	}
	s.log(events.LevelInfo, "检测到 access_hash，允许启动抢号")

	s.grabMu.Lock()
	if s.grabCancel != nil {
		s.grabCancel()
	}
	s.grabToken++
	token := s.grabToken
	ctx, cancel := context.WithCancel(context.Background())
	s.grabCancel = cancel
	s.grabMu.Unlock()

	go s.runGrab(ctx, token, config)
	return nil
}

func (s *Service) StopGrab() {
	s.grabMu.Lock()
	if s.grabCancel != nil {
		s.grabCancel()
		s.grabCancel = nil
	}
	s.grabMu.Unlock()
}

func (s *Service) runGrab(ctx context.Context, token uint64, config grabber.Config) {
	defer func() {
		s.grabMu.Lock()
		if s.grabToken == token {
			s.grabCancel = nil
		}
		s.grabMu.Unlock()
	}()

	result := s.grabRunFn(ctx, config)
	if ctx.Err() != nil {
		result = grabber.Result{Success: false, Message: "stopped", Err: ctx.Err()}
	}
	if errors.Is(result.Err, guahao.ErrLoginRequired) {
		s.loginStatus(false)
	}

	s.recordOutcome(config, result)
	if s.onGrabFinished != nil {
		s.onGrabFinished(result)
	}
}

func (s *Service) runGrabber(ctx context.Context, config grabber.Config) grabber.Result {
	engine := grabber.New(s.client, grabber.Options{
		Proxies: s.proxies,
		Sink:    s.bus,
	})
	return engine.Run(ctx, config)
}

func (s *Service) recordOutcome(config grabber.Config, result grabber.Result) {
	if s.history == nil {
		return
	}
	rec := history.GrabRecord{
		MemberName: config.MemberName,
		UnitName:   config.UnitName,
		DepName:    config.DepName,
		Status:     "failed",
		Result:     result.Message,
	}
	switch {
	case result.Success && result.Detail != nil:
		rec.Status = "success"
		rec.DoctorName = result.Detail.DoctorName
		rec.GrabDate = result.Detail.Date
		rec.TimeSlot = result.Detail.TimeSlot
		rec.MemberName = result.Detail.MemberName
		rec.UnitName = result.Detail.UnitName
		rec.DepName = result.Detail.DepName
	case result.Message == "stopped":
		rec.Status = "stopped"
	}
	if err := s.history.RecordGrab(context.Background(), rec); err != nil {
		s.log(events.LevelWarn, "历史记录保存失败: %v", err)
	}
}

func translateQRStatus(message string) string {
	switch message {
	case "waiting for scan":
		return "等待扫码..."
	case "scanned, confirm on phone":
		return "已扫码，请在手机上确认"
	case "logging in":
		return "正在登录..."
	case "confirmed but no code, retrying":
		return "已确认但未获取到登录码，正在重试..."
	default:
		return message
	}
}

func translateQRError(message string) string {
	switch message {
	case "canceled":
		return "已取消"
	case "qr expired":
		return "二维码已过期"
	case "uuid not initialized":
		return "二维码未初始化"
	case "no cookies received":
		return "未获取到有效 Cookie"
	case "missing access_hash":
		return "登录未完成：缺少 access_hash"
	default:
		return message
	}
}
