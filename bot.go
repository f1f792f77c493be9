package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	msgAccessDenied   = "🚫 Acceso denegado: No tienes permiso para usar este bot."
	msgStartFirst     = "🔄 Por favor, inicia con /start"
	msgUnknownTipo    = "🔍 Por favor, inicia ingresando los datos requeridos:"
	msgRenderFailed   = "⚠️ Error: No se pudo generar el comprobante."
	msgDeliveryFailed = "⚠️ Error al enviar el comprobante."
	msgInternal       = "⚠️ Error al procesar los datos. Intenta de nuevo."
	msgAdminOnly      = "🚫 Solo el administrador puede usar este comando."
	msgAdminWrongChat = "🚫 Este comando solo puede usarse en el grupo autorizado."
	msgInvalidID      = "⚠️ ID de usuario inválido."
	msgGratisOn       = "✅ Modo GRATIS activado: Todos pueden usar el bot."
	msgGratisOff      = "✅ Modo OFF activado: Solo usuarios autorizados."
	msgSaveFailed     = "⚠️ Error al guardar la configuración de acceso."
)

// Bot routes Telegram updates to the access gate, the intake state machine
// and the emitter. Every reply goes through the Transport.
type Bot struct {
	gate      *AccessGate
	intake    *Intake
	emitter   *Emitter
	transport Transport
	ledger    Ledger
	owner     string
	log       zerolog.Logger
	now       func() time.Time
}

func NewBot(gate *AccessGate, intake *Intake, emitter *Emitter, transport Transport, ledger Ledger, owner string, logger zerolog.Logger) *Bot {
	return &Bot{
		gate:      gate,
		intake:    intake,
		emitter:   emitter,
		transport: transport,
		ledger:    ledger,
		owner:     owner,
		log:       logger.With().Str("component", "bot").Logger(),
		now:       time.Now,
	}
}

// event is the part of an update the bot cares about.
type event struct {
	userID     int64
	chatID     int64
	private    bool
	command    string
	args       string
	text       string
	callbackID string
	data       string
}

func eventFromUpdate(update tgbotapi.Update) (event, bool) {
	switch {
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		if q.From == nil || q.Message == nil || q.Message.Chat == nil {
			return event{}, false
		}
		return event{
			userID:     q.From.ID,
			chatID:     q.Message.Chat.ID,
			private:    q.Message.Chat.IsPrivate(),
			callbackID: q.ID,
			data:       q.Data,
		}, true
	case update.Message != nil:
		m := update.Message
		if m.From == nil || m.Chat == nil {
			return event{}, false
		}
		return event{
			userID:  m.From.ID,
			chatID:  m.Chat.ID,
			private: m.Chat.IsPrivate(),
			command: m.Command(),
			args:    m.CommandArguments(),
			text:    m.Text,
		}, true
	}
	return event{}, false
}

// HandleUpdate processes one update. Failures are contained to the update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	ev, ok := eventFromUpdate(update)
	if !ok {
		return
	}
	log := b.log.With().Int64("user", ev.userID).Int64("chat", ev.chatID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("update handler panicked")
			b.reply(log, ev.chatID, msgInternal)
		}
	}()

	if ev.callbackID != "" {
		b.handleSelection(log, ev)
		return
	}
	switch ev.command {
	case "start":
		b.handleStart(log, ev)
	case "gratis":
		b.handleGratis(log, ev, true)
	case "off":
		b.handleGratis(log, ev, false)
	case "agregar":
		b.handleAddUser(log, ev)
	case "eliminar":
		b.handleRemoveUser(log, ev)
	case "stats":
		b.handleStats(log, ev)
	case "":
		if ev.text != "" {
			b.handleField(ctx, log, ev)
		}
	default:
		log.Debug().Str("command", ev.command).Msg("ignoring unknown command")
	}
}

func (b *Bot) reply(log zerolog.Logger, chatID int64, text string) {
	if err := b.transport.SendText(chatID, text); err != nil {
		log.Error().Err(err).Msg("failed to send reply")
	}
}

// allowed runs the gate and answers denied users.
func (b *Bot) allowed(log zerolog.Logger, ev event) bool {
	if b.gate.CanUseIn(ev.userID, ev.chatID, ev.private) {
		return true
	}
	log.Info().Str("kind", KindAccessDenied.String()).Msg("access denied")
	b.reply(log, ev.chatID, msgAccessDenied)
	return false
}

func (b *Bot) handleStart(log zerolog.Logger, ev event) {
	if !b.allowed(log, ev) {
		return
	}
	var options []MenuOption
	for _, spec := range b.intake.Catalogue() {
		options = append(options, MenuOption{Label: spec.Button, Data: string(spec.Tipo)})
	}
	welcome := fmt.Sprintf(
		"🎉 Bienvenido al Generador de Comprobantes\n"+
			"💎 Servicio gratuito de alta calidad\n"+
			"⚠️ Si pagaste por esto, contacta a %s\n"+
			"Selecciona una opción:", b.owner)
	if err := b.transport.SendMenu(ev.chatID, welcome, options); err != nil {
		log.Error().Err(err).Msg("failed to send menu")
	}
}

func (b *Bot) handleSelection(log zerolog.Logger, ev event) {
	if err := b.transport.AnswerCallback(ev.callbackID); err != nil {
		log.Warn().Err(err).Msg("failed to answer callback")
	}
	if !b.allowed(log, ev) {
		return
	}
	prompt, err := b.intake.Start(ev.userID, DocumentType(ev.data))
	if errors.Is(err, ErrUnknownDocumentType) {
		log.Debug().Str("data", ev.data).Msg("unknown document type selected")
		b.reply(log, ev.chatID, msgUnknownTipo)
		return
	}
	log.Info().Str("tipo", ev.data).Msg("intake started")
	b.reply(log, ev.chatID, prompt)
}

func (b *Bot) handleField(ctx context.Context, log zerolog.Logger, ev event) {
	if !b.allowed(log, ev) {
		return
	}
	out := b.intake.Submit(ev.userID, ev.text)
	switch out.Status {
	case StatusNoSession:
		b.reply(log, ev.chatID, msgStartFirst)
	case StatusRejected:
		log.Debug().Str("kind", out.Kind.String()).Msg("field rejected")
		b.reply(log, ev.chatID, out.Prompt)
	case StatusNext:
		b.reply(log, ev.chatID, out.Prompt)
	case StatusComplete:
		res := b.emitter.Emit(ctx, ev.chatID, out.Completion)
		if !res.Failed() {
			log.Info().Str("session", out.Completion.SessionID).Msg("intake completed")
			return
		}
		log.Warn().Str("kind", KindEmissionFailed.String()).Str("session", out.Completion.SessionID).
			Bool("movement_attempted", res.MovementAttempted).Msg("intake completed with errors")
		if res.PrimaryErr != nil {
			b.reply(log, ev.chatID, emissionMessage(res.PrimaryErr))
		}
		if res.MovementAttempted && res.MovementErr != nil {
			b.reply(log, ev.chatID, emissionMessage(res.MovementErr))
		}
	}
}

func emissionMessage(err error) string {
	if errors.Is(err, ErrDeliveryFailed) {
		return msgDeliveryFailed
	}
	return msgRenderFailed
}

// groupScoped commands tell a non-admin outside the allowed group about the
// group. The rest always answer with msgAdminOnly.
var groupScoped = map[string]bool{"gratis": true, "off": true}

// admin answers refused admin commands and reports whether to proceed.
func (b *Bot) admin(log zerolog.Logger, ev event, name string) bool {
	err := b.gate.CheckAdmin(ev.userID, ev.chatID)
	switch {
	case err == nil:
		log.Info().Str("command", name).Msg("admin command")
		return true
	case errors.Is(err, ErrAdminWrongChat) && groupScoped[name]:
		log.Warn().Str("command", name).Msg("admin command outside the allowed group")
		b.reply(log, ev.chatID, msgAdminWrongChat)
	default:
		log.Warn().Str("command", name).Msg("admin command by non-admin")
		b.reply(log, ev.chatID, msgAdminOnly)
	}
	return false
}

func (b *Bot) handleGratis(log zerolog.Logger, ev event, enabled bool) {
	name := "off"
	if enabled {
		name = "gratis"
	}
	if !b.admin(log, ev, name) {
		return
	}
	if err := b.gate.SetGratisMode(enabled); err != nil {
		log.Error().Err(err).Msg("failed to set gratis mode")
		b.reply(log, ev.chatID, msgSaveFailed)
		return
	}
	if enabled {
		b.reply(log, ev.chatID, msgGratisOn)
	} else {
		b.reply(log, ev.chatID, msgGratisOff)
	}
}

// parseUserID distinguishes a missing argument from a malformed one.
func parseUserID(args string) (id int64, present bool, err error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, false, nil
	}
	id, err = strconv.ParseInt(fields[0], 10, 64)
	return id, true, err
}

func (b *Bot) adminTarget(log zerolog.Logger, ev event, name string) (int64, bool) {
	id, present, err := parseUserID(ev.args)
	if !present {
		b.reply(log, ev.chatID, fmt.Sprintf("❓ Uso: /%s <id_usuario>", name))
		return 0, false
	}
	if err != nil {
		log.Info().Str("kind", KindInvalidAdminArgument.String()).Str("args", ev.args).Msg("invalid user id")
		b.reply(log, ev.chatID, msgInvalidID)
		return 0, false
	}
	return id, true
}

func (b *Bot) handleAddUser(log zerolog.Logger, ev event) {
	if !b.admin(log, ev, "agregar") {
		return
	}
	target, ok := b.adminTarget(log, ev, "agregar")
	if !ok {
		return
	}
	if _, err := b.gate.AddUser(target); err != nil {
		log.Error().Err(err).Int64("target", target).Msg("failed to add user")
		b.reply(log, ev.chatID, msgSaveFailed)
		return
	}
	b.reply(log, ev.chatID, fmt.Sprintf("✅ Usuario %d autorizado.", target))
}

func (b *Bot) handleRemoveUser(log zerolog.Logger, ev event) {
	if !b.admin(log, ev, "eliminar") {
		return
	}
	target, ok := b.adminTarget(log, ev, "eliminar")
	if !ok {
		return
	}
	removed, err := b.gate.RemoveUser(target)
	switch {
	case err != nil:
		log.Error().Err(err).Int64("target", target).Msg("failed to remove user")
		b.reply(log, ev.chatID, msgSaveFailed)
	case removed:
		b.reply(log, ev.chatID, fmt.Sprintf("✅ Usuario %d desautorizado.", target))
	default:
		b.reply(log, ev.chatID, fmt.Sprintf("⚠️ Usuario %d no estaba autorizado.", target))
	}
}

func (b *Bot) handleStats(log zerolog.Logger, ev event) {
	if !b.admin(log, ev, "stats") {
		return
	}
	issued := int64(-1)
	if b.ledger != nil {
		n, err := b.ledger.CountSince(b.now().Add(-24 * time.Hour))
		if err != nil {
			log.Warn().Err(err).Msg("failed to count issued documents")
		} else {
			issued = n
		}
	}
	b.reply(log, ev.chatID, formatStats(b.gate.Stats(), b.gate.AuthorizedUsers(), issued))
}

// formatStats renders the /stats reply. issued < 0 means unknown.
func formatStats(stats AccessStats, users []int64, issued int64) string {
	gratis := "Desactivado"
	if stats.GratisMode {
		gratis = "Activado"
	}
	group := "ninguno"
	if stats.AllowedGroup != nil {
		group = strconv.FormatInt(*stats.AllowedGroup, 10)
	}
	var sb strings.Builder
	sb.WriteString("📊 Estadísticas del Bot\n\n")
	fmt.Fprintf(&sb, "👥 Usuarios autorizados: %d\n", stats.Count)
	fmt.Fprintf(&sb, "🆓 Modo gratis: %s\n", gratis)
	fmt.Fprintf(&sb, "📱 Grupo permitido: %s\n", group)
	if issued >= 0 {
		fmt.Fprintf(&sb, "🧾 Documentos (24 h): %d\n", issued)
	}
	sb.WriteString("\n")
	if len(users) == 0 {
		sb.WriteString("❌ No hay usuarios autorizados.")
		return sb.String()
	}
	sb.WriteString("👤 Usuarios autorizados:")
	for _, id := range users {
		fmt.Fprintf(&sb, "\n  • %d", id)
	}
	return sb.String()
}
