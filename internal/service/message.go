package service

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf8"

	"teamchat/internal/feed"
	"teamchat/internal/metrics"
	"teamchat/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageService 拥有持久化日志与 id 分配；其它组件不得直接改写消息。
// 每个房间一把提交锁，保证 feed 投递顺序与提交顺序一致——这是本服务
// 唯一需要串行化的共享状态（见 Bus 的房间内顺序保证）。
type MessageService struct {
	db       *gorm.DB
	bus      *feed.Bus
	authz    Authorizer
	maxChars int

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewMessageService(db *gorm.DB, bus *feed.Bus, authz Authorizer, maxChars int) *MessageService {
	if maxChars <= 0 {
		maxChars = 2000
	}
	return &MessageService{db: db, bus: bus, authz: authz, maxChars: maxChars, locks: make(map[uint]*sync.Mutex)}
}

func (s *MessageService) roomLock(roomID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[roomID]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[roomID] = l
	}
	return l
}

var validKinds = map[string]bool{
	models.KindText: true, models.KindImage: true, models.KindFile: true, models.KindSystem: true,
}

// AppendInput 是一次 send 的全部输入。SenderName 是调用方解析好的快照。
// ClientKey 为空时由服务端补一个，带 key 的重试是幂等的。
type AppendInput struct {
	RoomID      uint
	SenderID    uint
	SenderName  string
	Content     string
	Kind        string
	ReplyTo     *uint
	Attachments []string
	ClientKey   string
}

// Append 校验、落库并发布 inserted 事件。id 与两个时间戳由数据库在
// 同一次插入中分配，其它写入方观察不到乱序。
func (s *MessageService) Append(in AppendInput) (*models.Message, error) {
	if n := utf8.RuneCountInString(in.Content); n < 1 || n > s.maxChars {
		return nil, fmt.Errorf("%w: content length %d outside 1..%d", ErrValidation, n, s.maxChars)
	}
	if in.Kind == "" {
		in.Kind = models.KindText
	}
	if !validKinds[in.Kind] {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, in.Kind)
	}

	var room models.Room
	if err := s.db.Select("id").First(&room, in.RoomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	if in.ClientKey == "" {
		in.ClientKey = uuid.NewString()
	}

	// reply_to 必须能在同一房间内解析；目标即便已是墓碑也算解析成功。
	if in.ReplyTo != nil {
		var target models.Message
		if err := s.db.Select("id", "room_id").First(&target, *in.ReplyTo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: reply target %d", ErrNotFound, *in.ReplyTo)
			}
			return nil, err
		}
		if target.RoomID != in.RoomID {
			return nil, fmt.Errorf("%w: reply target %d is in another room", ErrNotFound, *in.ReplyTo)
		}
	}

	msg := models.Message{
		RoomID:      in.RoomID,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		Kind:        in.Kind,
		ReplyTo:     in.ReplyTo,
		Attachments: datatypes.NewJSONSlice(in.Attachments),
		ClientKey:   in.ClientKey,
	}

	lock := s.roomLock(in.RoomID)
	lock.Lock()
	defer lock.Unlock()

	// 带 correlation token 的重试直接返回当初持久化的那条。查找在
	// 提交锁内做，同房间的并发同 token 发送由锁串行化。
	var existing models.Message
	err := s.db.Where("client_key = ?", in.ClientKey).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.db.Create(&msg).Error; err != nil {
		// 唯一索引兜底：输掉插入竞争（如跨房间复用了同一 token）
		// 时改读赢家那条，重试方永远拿到确定的结果。
		if lerr := s.db.Where("client_key = ?", in.ClientKey).First(&existing).Error; lerr == nil {
			return &existing, nil
		}
		return nil, err
	}
	metrics.MessagesAppended.Inc()
	s.bus.Publish(feed.Event{Op: feed.OpInserted, RoomID: msg.RoomID, Message: msg})
	return &msg, nil
}

// roomOf 只读 room_id 用于挑选提交锁；完整行必须在锁内重新读取，
// 锁外读到的行状态不可信。
func (s *MessageService) roomOf(msgID uint) (uint, error) {
	var msg models.Message
	if err := s.db.Select("id", "room_id").First(&msg, msgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: message %d", ErrNotFound, msgID)
		}
		return 0, err
	}
	return msg.RoomID, nil
}

// Edit 只允许原发送者修改内容；不改 id 与 created_at。
func (s *MessageService) Edit(msgID, editorID uint, newContent string) (*models.Message, error) {
	if n := utf8.RuneCountInString(newContent); n < 1 || n > s.maxChars {
		return nil, fmt.Errorf("%w: content length %d outside 1..%d", ErrValidation, n, s.maxChars)
	}
	roomID, err := s.roomOf(msgID)
	if err != nil {
		return nil, err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	var msg models.Message
	if err := s.db.First(&msg, msgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, msgID)
		}
		return nil, err
	}
	if msg.SenderID != editorID {
		return nil, fmt.Errorf("%w: only the sender may edit", ErrForbidden)
	}
	// 删除先赢：对墓碑的编辑按并发冲突处理。
	if msg.Deleted {
		return nil, fmt.Errorf("%w: message %d was deleted", ErrConflict, msgID)
	}

	msg.Content = newContent
	msg.Edited = true
	if err := s.db.Save(&msg).Error; err != nil {
		return nil, err
	}
	s.bus.Publish(feed.Event{Op: feed.OpEdited, RoomID: msg.RoomID, Message: msg})
	return &msg, nil
}

// React 把 symbol 加入该用户的 reaction 集合；重复添加是 no-op，
// 不发布事件。
func (s *MessageService) React(msgID, userID uint, symbol string) (*models.Message, error) {
	return s.mutateReactions(msgID, userID, symbol, true)
}

// Unreact 移除 symbol；不存在时同样是 no-op。
func (s *MessageService) Unreact(msgID, userID uint, symbol string) (*models.Message, error) {
	return s.mutateReactions(msgID, userID, symbol, false)
}

func (s *MessageService) mutateReactions(msgID, userID uint, symbol string, add bool) (*models.Message, error) {
	if n := utf8.RuneCountInString(symbol); n < 1 || n > 32 {
		return nil, fmt.Errorf("%w: bad reaction symbol", ErrValidation)
	}
	roomID, err := s.roomOf(msgID)
	if err != nil {
		return nil, err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	var msg models.Message
	if err := s.db.First(&msg, msgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, msgID)
		}
		return nil, err
	}

	key := strconv.FormatUint(uint64(userID), 10)
	reactions := msg.Reactions.Data()
	if reactions == nil {
		reactions = make(map[string][]string)
	}
	set := reactions[key]
	idx := -1
	for i, sym := range set {
		if sym == symbol {
			idx = i
			break
		}
	}
	if add {
		if idx >= 0 {
			return &msg, nil
		}
		reactions[key] = append(set, symbol)
	} else {
		if idx < 0 {
			return &msg, nil
		}
		set = append(set[:idx], set[idx+1:]...)
		if len(set) == 0 {
			delete(reactions, key)
		} else {
			reactions[key] = set
		}
	}

	msg.Reactions = datatypes.NewJSONType(reactions)
	if err := s.db.Save(&msg).Error; err != nil {
		return nil, err
	}
	s.bus.Publish(feed.Event{Op: feed.OpReacted, RoomID: msg.RoomID, Message: msg})
	return &msg, nil
}

// Delete 打墓碑而非物理删除，回复引用保持可解析。
// 需要发送者本人或授权协作方认可的 moderator。
func (s *MessageService) Delete(msgID, requesterID uint) error {
	roomID, err := s.roomOf(msgID)
	if err != nil {
		return err
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	var msg models.Message
	if err := s.db.First(&msg, msgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: message %d", ErrNotFound, msgID)
		}
		return err
	}
	if msg.SenderID != requesterID && !s.authz.CanModerate(requesterID, msg.RoomID) {
		return fmt.Errorf("%w: not sender or moderator", ErrForbidden)
	}
	if msg.Deleted {
		return nil
	}

	// 打墓碑不算内容修改，updated_at 保持不动，列级更新绕过钩子。
	msg.Deleted = true
	msg.Content = ""
	msg.Attachments = nil
	err = s.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		UpdateColumns(map[string]any{"deleted": true, "content": "", "attachments": nil}).Error
	if err != nil {
		return err
	}
	s.bus.Publish(feed.Event{Op: feed.OpDeleted, RoomID: msg.RoomID, Message: msg})
	return nil
}

// ListOptions 的游标是 message id 而非 offset，并发插入不会让页面漂移。
// AfterID 服务于重连后的 gap-fill。
type ListOptions struct {
	BeforeID uint
	AfterID  uint
	Limit    int
}

// List 返回按 id 严格升序的一页消息。
func (s *MessageService) List(roomID uint, opts ListOptions) ([]models.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	q := s.db.Where("room_id = ?", roomID)
	var msgs []models.Message
	if opts.AfterID > 0 {
		if err := q.Where("id > ?", opts.AfterID).Order("id asc").Limit(limit).Find(&msgs).Error; err != nil {
			return nil, err
		}
		return msgs, nil
	}
	if opts.BeforeID > 0 {
		q = q.Where("id < ?", opts.BeforeID)
	}
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 取的是游标之下最新的一页，反转为升序输出
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
