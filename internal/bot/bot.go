package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"habit-reminder/internal/model"
	"habit-reminder/internal/repository"
	"habit-reminder/internal/service"
)

type conversationStage int

const (
	stageNone conversationStage = iota
	stageDescription
	stageDueDate
	stageFrequency
)

const dueDateLayout = "2006-01-02 15:04"

const (
	inputSkip   = "пропустить"
	inputCancel = "отмена"
)

type conversationState struct {
	stage conversationStage
	input service.TaskInput
}

// Bot is the conversational layer over the services. It also acts as the
// message sender for reminder delivery.
type Bot struct {
	api      *tgbotapi.BotAPI
	userRepo *repository.UserRepository
	taskSvc  *service.TaskService
	habitSvc *service.HabitService
	log      zerolog.Logger

	mu            sync.Mutex
	conversations map[int64]*conversationState
}

var _ service.MessageSender = (*Bot)(nil)

func New(token string, userRepo *repository.UserRepository, taskSvc *service.TaskService, habitSvc *service.HabitService, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Info().Str("account", api.Self.UserName).Msg("bot authorized")

	return &Bot{
		api:           api,
		userRepo:      userRepo,
		taskSvc:       taskSvc,
		habitSvc:      habitSvc,
		log:           log.With().Str("component", "bot").Logger(),
		conversations: make(map[int64]*conversationState),
	}, nil
}

// SendMessage implements service.MessageSender; reminders are delivered
// through here, fire and forget.
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info().Msg("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		if update.Message == nil {
			continue
		}
		if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
			continue
		}
		if err := b.handleMessage(ctx, update.Message); err != nil {
			b.log.Error().Err(err).Int64("chat", update.Message.Chat.ID).Msg("handle message")
		}
	}

	return nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if !msg.IsCommand() && strings.EqualFold(strings.TrimSpace(msg.Text), inputCancel) {
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Диалог отменён. Набери /newtask, чтобы начать заново.")
	}

	if msg.IsCommand() {
		b.log.Info().Int64("from", msg.From.ID).Str("command", msg.Command()).Msg("command")
		return b.handleCommand(ctx, msg)
	}

	if b.hasConversation(msg.From.ID) {
		return b.handleConversation(ctx, msg)
	}

	return b.sendText(msg.Chat.ID, "Я пока не понял сообщение. Набери /newtask, чтобы добавить задачу, или /help для списка команд.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "settimezone":
		return b.handleSetTimezone(ctx, msg)
	case "newtask":
		return b.startNewTaskConversation(ctx, msg)
	case "tasks":
		return b.handleListTasks(ctx, msg)
	case "complete":
		return b.handleComplete(ctx, msg)
	case "delete":
		return b.handleDelete(ctx, msg)
	case "habits":
		return b.handleHabits(ctx, msg)
	case "addhabit":
		return b.handleAddHabit(ctx, msg)
	case "drophabit":
		return b.handleDropHabit(ctx, msg)
	case "cancel":
		b.clearConversation(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Диалог отменён.")
	default:
		return b.sendText(msg.Chat.ID, "Неизвестная команда. Набери /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.userRepo.UpsertFromTelegram(ctx, msg.From.ID, msg.From.FirstName, msg.From.LastName, msg.From.UserName)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Привет, %s! Я помогу с задачами, привычками и напоминаниями.\n\n"+
		"Твой часовой пояс: %s (изменить: /settimezone Europe/Moscow).\n"+
		"Набери /newtask, чтобы создать первую задачу, или /help для списка команд.",
		user.FirstName, user.Timezone)
	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	return b.sendText(msg.Chat.ID, strings.Join([]string{
		"/newtask — создать задачу с напоминанием",
		"/tasks — список активных задач",
		"/complete <id> — отметить задачу выполненной",
		"/delete <id> — удалить задачу",
		"/settimezone <зона> — установить часовой пояс (IANA, напр. Europe/Moscow)",
		"/habits — каталог привычек и твой выбор",
		"/addhabit <id> — добавить привычку",
		"/drophabit <id> — убрать привычку",
		"/cancel — прервать текущий диалог",
	}, "\n"))
}

func (b *Bot) handleSetTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.requireUser(ctx, msg)
	if err != nil {
		return err
	}

	zone := strings.TrimSpace(msg.CommandArguments())
	if zone == "" {
		return b.sendText(msg.Chat.ID, "Укажи зону: /settimezone Europe/Moscow")
	}
	if _, err := service.ResolveTimezone(zone); err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не знаю зону «%s». Нужно имя из базы IANA, например Europe/Moscow или America/Argentina/Salta.", zone))
	}

	if err := b.userRepo.SetTimezone(ctx, user.ID, zone); err != nil {
		return err
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("Часовой пояс обновлён: %s. Время задач буду показывать в нём.", zone))
}

func (b *Bot) startNewTaskConversation(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.requireUser(ctx, msg); err != nil {
		return err
	}

	b.mu.Lock()
	b.conversations[msg.From.ID] = &conversationState{stage: stageDescription}
	b.mu.Unlock()

	return b.sendText(msg.Chat.ID, "Опиши задачу одним сообщением. (отмена — прервать)")
}

func (b *Bot) handleConversation(ctx context.Context, msg *tgbotapi.Message) error {
	state := b.getConversation(msg.From.ID)
	if state == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)

	switch state.stage {
	case stageDescription:
		if text == "" {
			return b.sendText(msg.Chat.ID, "Описание не может быть пустым. Попробуй ещё раз.")
		}
		state.input.Description = text
		state.stage = stageDueDate
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Когда напомнить? Формат: %s (твой часовой пояс). Или напиши «пропустить» — задача будет без напоминания.", dueDateLayout))

	case stageDueDate:
		if strings.EqualFold(text, inputSkip) {
			state.input.DueAt = nil
			return b.finishConversation(ctx, msg, state)
		}

		user, err := b.requireUser(ctx, msg)
		if err != nil {
			return err
		}
		loc, err := service.ResolveTimezone(user.Timezone)
		if err != nil {
			loc = time.UTC
		}
		due, err := time.ParseInLocation(dueDateLayout, text, loc)
		if err != nil {
			return b.sendText(msg.Chat.ID, fmt.Sprintf("Не понял дату. Нужен формат %s, например 2025-03-10 09:00.", dueDateLayout))
		}
		utc := due.UTC()
		state.input.DueAt = &utc
		state.stage = stageFrequency
		return b.sendText(msg.Chat.ID, "Как часто повторять? Варианты: once, daily, weekly, monthly, yearly.")

	case stageFrequency:
		freq, err := model.ParseFrequency(text)
		if err != nil {
			return b.sendText(msg.Chat.ID, "Не понял частоту. Варианты: once, daily, weekly, monthly, yearly.")
		}
		state.input.Frequency = freq
		return b.finishConversation(ctx, msg, state)
	}

	return nil
}

func (b *Bot) finishConversation(ctx context.Context, msg *tgbotapi.Message, state *conversationState) error {
	defer b.clearConversation(msg.From.ID)

	user, err := b.requireUser(ctx, msg)
	if err != nil {
		return err
	}

	res, err := b.taskSvc.CreateTask(ctx, user, state.input)
	if err != nil {
		return b.sendText(msg.Chat.ID, "Не получилось создать задачу. Попробуй ещё раз чуть позже.")
	}

	reply := fmt.Sprintf("✅ Задача №%d создана: %s", res.Task.ID, res.Task.Description)
	switch {
	case res.Task.DueAt == nil:
		reply += "\nБез напоминания."
	case res.ReminderErr != nil:
		// Degraded, not failed: the task exists either way.
		reply += "\n⚠️ Задача создана, но напоминание запланировать не удалось."
	default:
		reply += fmt.Sprintf("\n⏰ Напоминание: %s (%s).", b.formatDue(user, res.Task), res.Task.Frequency)
	}
	return b.sendText(msg.Chat.ID, reply)
}

func (b *Bot) handleListTasks(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.requireUser(ctx, msg)
	if err != nil {
		return err
	}

	tasks, err := b.taskSvc.ListActive(ctx, user)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return b.sendText(msg.Chat.ID, "Активных задач нет. /newtask — создать новую.")
	}

	var sb strings.Builder
	sb.WriteString("📋 Твои задачи:\n")
	for _, task := range tasks {
		sb.WriteString(fmt.Sprintf("\n№%d — %s", task.ID, task.Description))
		if task.DueAt != nil {
			sb.WriteString(fmt.Sprintf("\n   ⏰ %s", b.formatDue(user, &task)))
			if task.Frequency.IsRecurring() {
				sb.WriteString(fmt.Sprintf(" · ♻️ %s", task.Frequency))
			}
		}
	}
	return b.sendText(msg.Chat.ID, sb.String())
}

func (b *Bot) handleComplete(ctx context.Context, msg *tgbotapi.Message) error {
	user, taskID, err := b.userAndTaskID(ctx, msg)
	if err != nil || user == nil {
		return err
	}

	task, err := b.taskSvc.CompleteTask(ctx, user, taskID)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не нашёл задачу №%d.", taskID))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("✅ Задача №%d выполнена: %s", task.ID, task.Description))
}

func (b *Bot) handleDelete(ctx context.Context, msg *tgbotapi.Message) error {
	user, taskID, err := b.userAndTaskID(ctx, msg)
	if err != nil || user == nil {
		return err
	}

	if err := b.taskSvc.DeleteTask(ctx, user, taskID); err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не получилось удалить задачу №%d.", taskID))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🗑 Задача №%d удалена вместе с напоминаниями.", taskID))
}

func (b *Bot) handleHabits(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.requireUser(ctx, msg)
	if err != nil {
		return err
	}

	defaults, err := b.habitSvc.Defaults(ctx)
	if err != nil {
		return err
	}
	mine, err := b.habitSvc.ListFor(ctx, user)
	if err != nil {
		return err
	}
	adopted := make(map[uint]bool, len(mine))
	for _, link := range mine {
		adopted[link.HabitID] = true
	}

	var sb strings.Builder
	sb.WriteString("🌱 Каталог привычек:\n")
	for _, habit := range defaults {
		mark := "▫️"
		if adopted[habit.ID] {
			mark = "✅"
		}
		sb.WriteString(fmt.Sprintf("\n%s №%d %s — %s", mark, habit.ID, habit.Name, habit.Description))
	}
	sb.WriteString("\n\n/addhabit <id> — добавить, /drophabit <id> — убрать.")
	return b.sendText(msg.Chat.ID, sb.String())
}

func (b *Bot) handleAddHabit(ctx context.Context, msg *tgbotapi.Message) error {
	user, habitID, err := b.userAndTaskID(ctx, msg)
	if err != nil || user == nil {
		return err
	}

	habit, err := b.habitSvc.Adopt(ctx, user, habitID)
	if err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не нашёл привычку №%d.", habitID))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🌱 Привычка добавлена: %s", habit.Name))
}

func (b *Bot) handleDropHabit(ctx context.Context, msg *tgbotapi.Message) error {
	user, habitID, err := b.userAndTaskID(ctx, msg)
	if err != nil || user == nil {
		return err
	}

	if err := b.habitSvc.Drop(ctx, user, habitID); err != nil {
		return b.sendText(msg.Chat.ID, fmt.Sprintf("Не получилось убрать привычку №%d.", habitID))
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("Привычка №%d убрана.", habitID))
}

// requireUser loads the sender's profile, registering them on first contact.
func (b *Bot) requireUser(ctx context.Context, msg *tgbotapi.Message) (*model.User, error) {
	return b.userRepo.UpsertFromTelegram(ctx, msg.From.ID, msg.From.FirstName, msg.From.LastName, msg.From.UserName)
}

// userAndTaskID parses the numeric command argument shared by several commands.
func (b *Bot) userAndTaskID(ctx context.Context, msg *tgbotapi.Message) (*model.User, uint, error) {
	user, err := b.requireUser(ctx, msg)
	if err != nil {
		return nil, 0, err
	}

	raw := strings.TrimSpace(msg.CommandArguments())
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return nil, 0, b.sendText(msg.Chat.ID, "Укажи номер, например: /"+msg.Command()+" 3")
	}
	return user, uint(id), nil
}

func (b *Bot) formatDue(user *model.User, task *model.Task) string {
	loc, err := service.ResolveTimezone(user.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return task.DueAt.In(loc).Format("02.01.2006 15:04 MST")
}

func (b *Bot) sendText(chatID int64, text string) error {
	return b.SendMessage(chatID, text)
}

func (b *Bot) hasConversation(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conversations[userID]
	return ok
}

func (b *Bot) getConversation(userID int64) *conversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations[userID]
}

func (b *Bot) clearConversation(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, userID)
}
