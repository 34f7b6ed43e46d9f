package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/softphone/pkg/backend"
)

// StackConfig настройки SIP стека
type StackConfig struct {
	UserAgent      string        `yaml:"user_agent"`
	RegisterExpiry time.Duration `yaml:"register_expiry"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	NotifyBuffer   int           `yaml:"notify_buffer"`
}

// DefaultStackConfig конфигурация по умолчанию
func DefaultStackConfig() StackConfig {
	return StackConfig{
		UserAgent:      "softphone",
		RegisterExpiry: 600 * time.Second,
		RequestTimeout: 10 * time.Second,
		NotifyBuffer:   64,
	}
}

func (c *StackConfig) applyDefaults() {
	def := DefaultStackConfig()
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = def.RegisterExpiry
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = def.NotifyBuffer
	}
}

var (
	ErrStackNotStarted = errors.New("SIP стек не запущен")
	ErrCallNotFound    = errors.New("вызов не найден")
)

// call состояние диалога одного вызова
type call struct {
	id        string
	outgoing  bool
	localURI  sip.Uri
	remoteURI sip.Uri
	// target адрес для запросов внутри диалога (Contact удаленной стороны)
	target    sip.Uri
	localTag  string
	remoteTag string
	cseq      uint32
	confirmed bool

	// исходящий: INVITE с Via, нужен для CANCEL
	invite *sip.Request
	stop   chan struct{}

	// входящий
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	decided   chan struct{}
	localSDP  []byte
}

// Stack реализация Signaling на sipgo поверх ws/wss
type Stack struct {
	cfg    StackConfig
	logger *slog.Logger

	mu        sync.Mutex
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	creds     backend.Credentials
	transport string
	proxy     string
	aor       sip.Uri
	contact   sip.Uri
	regCallID string
	regTag    string
	regSeq    uint32
	calls     map[string]*call
	stopRenew context.CancelFunc

	notes     chan Notification
	done      chan struct{}
	notifyMu  sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

var _ Signaling = (*Stack)(nil)

// NewStack создает стек. Соединение открывается при Register.
func NewStack(cfg StackConfig, logger *slog.Logger) *Stack {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sip_stack")),
		calls:  make(map[string]*call),
		notes:  make(chan Notification, cfg.NotifyBuffer),
		done:   make(chan struct{}),
	}
}

// Notifications поток уведомлений стека
func (s *Stack) Notifications() <-chan Notification { return s.notes }

// endpoint адрес WebSocket сервера сигнализации
type endpoint struct {
	transport string
	host      string
	port      int
}

func (e endpoint) addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("некорректный адрес сервера %q: %w", raw, err)
	}
	ep := endpoint{transport: strings.ToLower(u.Scheme), host: u.Hostname()}
	switch ep.transport {
	case "ws":
		ep.port = 80
	case "wss":
		ep.port = 443
	default:
		return endpoint{}, fmt.Errorf("неподдерживаемая схема %q", u.Scheme)
	}
	if ep.host == "" {
		return endpoint{}, fmt.Errorf("в адресе %q нет хоста", raw)
	}
	if p := u.Port(); p != "" {
		ep.port, err = strconv.Atoi(p)
		if err != nil {
			return endpoint{}, fmt.Errorf("некорректный порт %q", p)
		}
	}
	return ep, nil
}

// withTransport добавляет параметр transport, если его нет
func withTransport(u sip.Uri, transport string) sip.Uri {
	if _, ok := u.UriParams.Get("transport"); ok {
		return u
	}
	params := sip.NewParams()
	for k, v := range u.UriParams {
		params[k] = v
	}
	params["transport"] = transport
	u.UriParams = params
	return u
}

// targetURI приводит номер или адрес к SIP URI
func targetURI(target, domain, transport string) (sip.Uri, error) {
	raw := strings.TrimSpace(target)
	switch {
	case strings.HasPrefix(raw, "sip:") || strings.HasPrefix(raw, "sips:"):
	case strings.Contains(raw, "@"):
		raw = "sip:" + raw
	default:
		raw = "sip:" + raw + "@" + domain
	}
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("некорректный адрес %q: %w", target, err)
	}
	return withTransport(u, transport), nil
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Register открывает транспорт и регистрирует учетную запись.
// Ответ 401/407 повторяется один раз с digest авторизацией.
func (s *Stack) Register(ctx context.Context, creds backend.Credentials) error {
	ep, err := parseEndpoint(creds.WebSocketURL())
	if err != nil {
		return backend.NewError(backend.CodeInvalidArgument, err.Error())
	}
	if err := s.start(creds, ep); err != nil {
		return backend.NewError(backend.CodeInitializationFailed, "ошибка запуска SIP стека").WithCause(err)
	}
	if err := s.sendRegister(ctx, int(s.cfg.RegisterExpiry/time.Second)); err != nil {
		return err
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopRenew = cancel
	s.mu.Unlock()
	go s.renew(renewCtx)

	s.logger.Info("Учетная запись зарегистрирована",
		slog.String("aor", s.aor.String()),
		slog.String("proxy", ep.addr()))
	s.notify(Notification{Tag: TagRegistered})
	return nil
}

func (s *Stack) start(creds backend.Credentials, ep endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ua != nil {
		return nil
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgentHostname(creds.Domain()))
	if err != nil {
		return fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(creds.Domain()))
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("ошибка создания клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("ошибка создания сервера: %w", err)
	}

	s.ua, s.client, s.server = ua, client, server
	s.creds = creds
	s.transport = ep.transport
	s.proxy = ep.addr()
	s.aor = sip.Uri{Scheme: "sip", User: creds.Username, Host: creds.Domain()}
	s.contact = withTransport(sip.Uri{Scheme: "sip", User: creds.Username, Host: newTag() + ".invalid"}, ep.transport)
	s.regCallID = uuid.NewString()
	s.regTag = newTag()
	s.regSeq = 0

	server.OnInvite(s.onInvite)
	server.OnAck(s.onAck)
	server.OnBye(s.onBye)
	server.OnInfo(s.onInfo)
	server.OnNotify(s.onNotify)
	return nil
}

func (s *Stack) ready() (*sipgo.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrStackNotStarted
	}
	return s.client, nil
}

func (s *Stack) sendRegister(ctx context.Context, expires int) error {
	client, err := s.ready()
	if err != nil {
		return backend.NotInitialized("register")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req := s.registerRequest(expires, nil)
	res, err := client.Do(ctx, req)
	if err != nil {
		return backend.NewError(backend.CodeInitializationFailed, "сервер сигнализации недоступен").WithCause(err)
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		auth, err := s.authorize(req, res)
		if err != nil {
			return backend.NewError(backend.CodeRegistrationRejected, "ошибка digest авторизации").WithCause(err)
		}
		res, err = client.Do(ctx, s.registerRequest(expires, auth))
		if err != nil {
			return backend.NewError(backend.CodeInitializationFailed, "сервер сигнализации недоступен").WithCause(err)
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return backend.Errorf(backend.CodeRegistrationRejected, "%d %s", res.StatusCode, res.Reason).
			WithField("expires", expires)
	}
	return nil
}

func (s *Stack) registerRequest(expires int, auth sip.Header) *sip.Request {
	s.mu.Lock()
	s.regSeq++
	seq := s.regSeq
	recipient := withTransport(sip.Uri{Scheme: "sip", Host: s.aor.Host}, s.transport)
	from := &sip.FromHeader{Address: s.aor, Params: sip.NewParams().Add("tag", s.regTag)}
	to := &sip.ToHeader{Address: s.aor, Params: sip.NewParams()}
	callID := s.regCallID
	s.mu.Unlock()

	req := s.newRequest(sip.REGISTER, recipient, from, to, callID, seq)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if auth != nil {
		req.AppendHeader(auth)
	}
	return req
}

// newRequest собирает запрос с обязательными заголовками. Все запросы
// уходят через WebSocket соединение с сервером сигнализации.
func (s *Stack) newRequest(method sip.RequestMethod, recipient sip.Uri, from *sip.FromHeader, to *sip.ToHeader, callID string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(from)
	req.AppendHeader(to)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: s.contact})
	req.AppendHeader(sip.NewHeader("User-Agent", s.cfg.UserAgent))
	req.SetDestination(s.proxy)
	return req
}

// authorize строит Authorization/Proxy-Authorization по вызову сервера
func (s *Stack) authorize(req *sip.Request, res *sip.Response) (sip.Header, error) {
	challenge, answer := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challenge, answer = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := res.GetHeader(challenge)
	if h == nil {
		return nil, fmt.Errorf("в ответе %d нет %s", res.StatusCode, challenge)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, err
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: s.creds.Username,
		Password: s.creds.Password,
	})
	if err != nil {
		return nil, err
	}
	return sip.NewHeader(answer, cred.String()), nil
}

// renew продлевает регистрацию на половине срока
func (s *Stack) renew(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RegisterExpiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.sendRegister(ctx, int(s.cfg.RegisterExpiry/time.Second)); err != nil {
				s.logger.Error("Ошибка продления регистрации", slog.Any("error", err))
				s.notify(Notification{Tag: TagRegistrationFailed, Reason: backend.ReasonOf(err)})
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Unregister снимает регистрацию (Expires: 0)
func (s *Stack) Unregister(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stopRenew
	s.stopRenew = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if _, err := s.ready(); err != nil {
		return nil
	}
	err := s.sendRegister(ctx, 0)
	s.notify(Notification{Tag: TagUnregistered})
	return err
}

// Invite отправляет INVITE. Ответы обрабатываются в отдельной горутине.
func (s *Stack) Invite(ctx context.Context, callID, target string, offer []byte) error {
	client, err := s.ready()
	if err != nil {
		return err
	}
	s.mu.Lock()
	to, err := targetURI(target, s.aor.Host, s.transport)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	c := &call{
		id:        callID,
		outgoing:  true,
		localURI:  s.aor,
		remoteURI: to,
		target:    to,
		localTag:  newTag(),
		cseq:      1,
		stop:      make(chan struct{}),
	}
	s.calls[callID] = c
	s.mu.Unlock()

	req := s.inviteRequest(c, offer, nil)
	tx, err := client.TransactionRequest(context.Background(), req)
	if err != nil {
		s.drop(callID)
		return fmt.Errorf("ошибка отправки INVITE: %w", err)
	}
	s.mu.Lock()
	c.invite = req
	s.mu.Unlock()

	s.logger.Info("INVITE отправлен", slog.String("call_id", callID), slog.String("target", to.String()))
	go s.awaitInvite(client, c, req, tx, offer)
	return nil
}

func (s *Stack) inviteRequest(c *call, offer []byte, auth sip.Header) *sip.Request {
	from := &sip.FromHeader{Address: c.localURI, Params: sip.NewParams().Add("tag", c.localTag)}
	to := &sip.ToHeader{Address: c.remoteURI, Params: sip.NewParams()}
	req := s.newRequest(sip.INVITE, c.target, from, to, c.id, c.cseq)
	if auth != nil {
		req.AppendHeader(auth)
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(offer)
	return req
}

// awaitInvite разбирает ответы на исходящий INVITE
func (s *Stack) awaitInvite(client *sipgo.Client, c *call, req *sip.Request, tx sip.ClientTransaction, offer []byte) {
	authorized := false
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			switch {
			case res.StatusCode == 100:
				s.notifyCall(c, Notification{Tag: TagTrying, Peer: c.remoteURI.User})

			case res.StatusCode < 200:
				s.earlyDialog(c, res)
				s.notifyCall(c, Notification{Tag: TagProgress, Peer: c.remoteURI.User})

			case res.StatusCode < 300:
				s.confirm(client, c, req, res)
				s.notifyCall(c, Notification{
					Tag:       TagAccepted,
					Peer:      c.remoteURI.User,
					Direction: "outgoing",
					SDP:       res.Body(),
				})
				return

			case (res.StatusCode == 401 || res.StatusCode == 407) && !authorized:
				authorized = true
				auth, err := s.authorize(req, res)
				if err != nil {
					s.failCall(c, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
					return
				}
				s.mu.Lock()
				c.cseq++
				s.mu.Unlock()
				req = s.inviteRequest(c, offer, auth)
				next, err := client.TransactionRequest(context.Background(), req)
				if err != nil {
					s.failCall(c, err.Error())
					return
				}
				s.mu.Lock()
				c.invite = req
				s.mu.Unlock()
				tx = next

			default:
				s.failCall(c, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
				return
			}

		case <-tx.Done():
			reason := "транзакция INVITE завершена без ответа"
			if err := tx.Err(); err != nil {
				reason = err.Error()
			}
			s.failCall(c, reason)
			return

		case <-c.stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Stack) earlyDialog(c *call, res *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		c.target = withTransport(contact.Address, s.transport)
	}
}

// confirm фиксирует диалог и отправляет ACK на 2xx
func (s *Stack) confirm(client *sipgo.Client, c *call, invite *sip.Request, res *sip.Response) {
	s.earlyDialog(c, res)
	s.mu.Lock()
	c.confirmed = true
	target := c.target
	s.mu.Unlock()

	ack := sip.NewRequest(sip.ACK, target)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetDestination(s.proxy)

	if err := client.WriteRequest(ack); err != nil {
		s.logger.Error("Ошибка отправки ACK", slog.String("call_id", c.id), slog.Any("error", err))
	}
}

// failCall завершает неудавшийся исходящий вызов
func (s *Stack) failCall(c *call, reason string) {
	if !s.drop(c.id) {
		return
	}
	s.logger.Warn("Вызов не состоялся", slog.String("call_id", c.id), slog.String("reason", reason))
	s.notify(Notification{Tag: TagFailed, CallID: c.id, Reason: reason})
}

func (s *Stack) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	s.mu.Lock()
	if existing, ok := s.calls[callID]; ok {
		// re-INVITE: отвечаем текущим локальным описанием
		body := existing.localSDP
		s.mu.Unlock()
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
		res.AppendHeader(&sip.ContactHeader{Address: s.contact})
		if err := tx.Respond(res); err != nil {
			s.logger.Error("Ошибка ответа на re-INVITE", slog.Any("error", err))
		}
		return
	}

	from := req.From()
	fromTag, _ := from.Params.Get("tag")
	target := from.Address
	if contact := req.Contact(); contact != nil {
		target = contact.Address
	}
	c := &call{
		id:        callID,
		localURI:  req.To().Address,
		remoteURI: from.Address,
		target:    withTransport(target, s.transport),
		localTag:  newTag(),
		remoteTag: fromTag,
		inviteReq: req,
		inviteTx:  tx,
		decided:   make(chan struct{}),
	}
	s.calls[callID] = c
	s.mu.Unlock()

	ringing := s.response(c, req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		s.logger.Error("Ошибка отправки 180", slog.Any("error", err))
	}

	s.logger.Info("Входящий вызов", slog.String("call_id", callID), slog.String("from", from.Address.String()))
	s.notify(Notification{
		Tag:         TagInvite,
		CallID:      callID,
		Peer:        from.Address.User,
		DisplayName: from.DisplayName,
		URI:         from.Address.String(),
		SDP:         req.Body(),
	})

	// обработчик держит транзакцию, пока пользователь не ответит
	select {
	case <-c.decided:
	case <-tx.Done():
		if s.drop(callID) {
			s.notify(Notification{Tag: TagTerminated, CallID: callID, Reason: "вызов отменен"})
		}
	case <-s.done:
	}
}

func (s *Stack) response(c *call, req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params = to.Params.Add("tag", c.localTag)
	}
	res.AppendHeader(&sip.ContactHeader{Address: s.contact})
	return res
}

func (s *Stack) incoming(callID string) (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.outgoing || c.inviteTx == nil {
		return nil, ErrCallNotFound
	}
	return c, nil
}

// Accept отвечает 200 OK на входящий INVITE
func (s *Stack) Accept(ctx context.Context, callID string, answer []byte) error {
	c, err := s.incoming(callID)
	if err != nil {
		return err
	}
	res := s.response(c, c.inviteReq, sip.StatusOK, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	if err := c.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("ошибка отправки 200 OK: %w", err)
	}

	s.mu.Lock()
	c.confirmed = true
	c.localSDP = answer
	s.mu.Unlock()
	s.decide(c)

	s.notify(Notification{Tag: TagAccepted, CallID: callID, Peer: c.remoteURI.User, Direction: "incoming"})
	return nil
}

// Decline отклоняет входящий вызов (486 Busy Here)
func (s *Stack) Decline(ctx context.Context, callID string) error {
	c, err := s.incoming(callID)
	if err != nil {
		return err
	}
	res := s.response(c, c.inviteReq, 486, "Busy Here", nil)
	err = c.inviteTx.Respond(res)
	s.decide(c)
	if s.drop(callID) {
		s.notify(Notification{Tag: TagTerminated, CallID: callID, Reason: "вызов отклонен"})
	}
	if err != nil {
		return fmt.Errorf("ошибка отправки 486: %w", err)
	}
	return nil
}

func (s *Stack) decide(c *call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-c.decided:
	default:
		close(c.decided)
	}
}

// Bye завершает вызов в любом состоянии диалога
func (s *Stack) Bye(ctx context.Context, callID string) error {
	client, err := s.ready()
	if err != nil {
		return err
	}
	s.mu.Lock()
	c, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return ErrCallNotFound
	}

	switch {
	case !c.outgoing && !c.confirmed:
		return s.Decline(ctx, callID)

	case c.outgoing && !c.confirmed:
		close(c.stop)
		err = s.cancel(ctx, client, c)

	default:
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		var res *sip.Response
		res, err = client.Do(ctx, s.inDialog(c, sip.BYE))
		if err == nil && res.StatusCode >= 300 {
			err = fmt.Errorf("BYE отклонен: %d %s", res.StatusCode, res.Reason)
		}
	}

	if s.drop(callID) {
		s.notify(Notification{Tag: TagTerminated, CallID: callID})
	}
	return err
}

// cancel отправляет CANCEL для исходящего INVITE без финального ответа
func (s *Stack) cancel(ctx context.Context, client *sipgo.Client, c *call) error {
	s.mu.Lock()
	invite := c.invite
	s.mu.Unlock()
	if invite == nil {
		return nil
	}

	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetDestination(s.proxy)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("ошибка отправки CANCEL: %w", err)
	}
	defer tx.Terminate()
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

// inDialog собирает запрос внутри подтвержденного диалога
func (s *Stack) inDialog(c *call, method sip.RequestMethod) *sip.Request {
	s.mu.Lock()
	c.cseq++
	seq := c.cseq
	from := &sip.FromHeader{Address: c.localURI, Params: sip.NewParams().Add("tag", c.localTag)}
	toParams := sip.NewParams()
	if c.remoteTag != "" {
		toParams = toParams.Add("tag", c.remoteTag)
	}
	to := &sip.ToHeader{Address: c.remoteURI, Params: toParams}
	target := c.target
	s.mu.Unlock()
	return s.newRequest(method, target, from, to, c.id, seq)
}

func (s *Stack) confirmed(callID string) (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || !c.confirmed {
		return nil, ErrCallNotFound
	}
	return c, nil
}

// Info отправляет INFO внутри диалога
func (s *Stack) Info(ctx context.Context, callID, contentType string, body []byte) error {
	client, err := s.ready()
	if err != nil {
		return err
	}
	c, err := s.confirmed(callID)
	if err != nil {
		return err
	}
	req := s.inDialog(c, sip.INFO)
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody(body)
	return s.expect2xx(ctx, client, req)
}

// Refer слепой перевод: REFER с Refer-To на номер или адрес
func (s *Stack) Refer(ctx context.Context, callID, target string) error {
	client, err := s.ready()
	if err != nil {
		return err
	}
	c, err := s.confirmed(callID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	to, err := targetURI(target, s.aor.Host, s.transport)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	req := s.inDialog(c, sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", to.String())))
	return s.expect2xx(ctx, client, req)
}

// ReferReplaces перевод с консультацией: собеседнику callID предлагается
// заменить диалог consultID
func (s *Stack) ReferReplaces(ctx context.Context, callID, consultID string) error {
	client, err := s.ready()
	if err != nil {
		return err
	}
	c, err := s.confirmed(callID)
	if err != nil {
		return err
	}
	consult, err := s.confirmed(consultID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	referTo := replacesTarget(consult.remoteURI, consult.id, consult.remoteTag, consult.localTag)
	s.mu.Unlock()

	req := s.inDialog(c, sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	return s.expect2xx(ctx, client, req)
}

// replacesTarget значение Refer-To с экранированным Replaces
func replacesTarget(remote sip.Uri, callID, toTag, fromTag string) string {
	replaces := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", callID, toTag, fromTag)
	replaces = url.QueryEscape(replaces)
	return fmt.Sprintf("<%s?Replaces=%s>", remote.String(), replaces)
}

func (s *Stack) expect2xx(ctx context.Context, client *sipgo.Client, req *sip.Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	res, err := client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("ошибка отправки %s: %w", req.Method, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%s отклонен: %d %s", req.Method, res.StatusCode, res.Reason)
	}
	return nil
}

func (s *Stack) onAck(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("ACK", slog.String("call_id", req.CallID().Value()))
}

func (s *Stack) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("Ошибка ответа на BYE", slog.Any("error", err))
	}
	if s.drop(callID) {
		s.logger.Info("Вызов завершен удаленной стороной", slog.String("call_id", callID))
		s.notify(Notification{Tag: TagTerminated, CallID: callID})
	}
}

func (s *Stack) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("Ошибка ответа на INFO", slog.Any("error", err))
	}
	if digit, ok := parseDTMFRelay(req.Body()); ok {
		s.notify(Notification{Tag: TagDTMF, CallID: req.CallID().Value(), Digit: digit})
	}
}

// onNotify обрабатывает NOTIFY подписки refer с телом message/sipfrag
func (s *Stack) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("Ошибка ответа на NOTIFY", slog.Any("error", err))
	}
	if ev := req.GetHeader("Event"); ev == nil || !strings.HasPrefix(strings.ToLower(ev.Value()), "refer") {
		return
	}
	code, reason, ok := parseSipfrag(req.Body())
	if !ok || code < 200 {
		return
	}
	callID := req.CallID().Value()
	if code < 300 {
		s.notify(Notification{Tag: TagReferAccepted, CallID: callID})
		return
	}
	s.notify(Notification{Tag: TagReferFailed, CallID: callID, Reason: fmt.Sprintf("%d %s", code, reason)})
}

// parseSipfrag разбирает статусную строку "SIP/2.0 200 OK"
func parseSipfrag(body []byte) (int, string, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(string(body)), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, "", false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", false
	}
	return code, strings.Join(fields[2:], " "), true
}

// parseDTMFRelay извлекает Signal из тела application/dtmf-relay
func parseDTMFRelay(body []byte) (string, bool) {
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "Signal") {
			value = strings.TrimSpace(value)
			return value, value != ""
		}
	}
	return "", false
}

// dtmfRelayBody тело INFO для одной цифры
func dtmfRelayBody(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit))
}

// drop удаляет вызов, false если его уже нет
func (s *Stack) drop(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return false
	}
	delete(s.calls, callID)
	return true
}

func (s *Stack) notifyCall(c *call, n Notification) {
	s.mu.Lock()
	_, alive := s.calls[c.id]
	s.mu.Unlock()
	if !alive {
		return
	}
	n.CallID = c.id
	s.notify(n)
}

func (s *Stack) notify(n Notification) {
	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.notes <- n:
	case <-s.done:
	}
}

// Close останавливает стек и закрывает поток уведомлений
func (s *Stack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.stopRenew != nil {
			s.stopRenew()
		}
		ua := s.ua
		s.ua, s.client, s.server = nil, nil, nil
		s.mu.Unlock()
		if ua != nil {
			err = ua.Close()
		}
		s.notifyMu.Lock()
		s.closed = true
		close(s.notes)
		s.notifyMu.Unlock()
	})
	return err
}
