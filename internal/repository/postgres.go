// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Все операции, меняющие статус комнаты или шаблона купона, выполняются в
// транзакции, которая первым делом блокирует строку комнаты (FOR UPDATE).
// Это сериализует конкурирующие действия в пределах одной комнаты: два
// актора не могут одновременно наблюдать состояние до перехода и оба
// преуспеть.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"partnerlink/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRoomNotFound возвращается, если комната не найдена.
var (
	ErrRoomNotFound = errors.New("room not found")
	// ErrTemplateNotFound возвращается, если шаблон купона не найден.
	ErrTemplateNotFound = errors.New("coupon template not found")
	// ErrCouponNotFound возвращается, если купон не найден.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrDuplicateRoom возвращается при попытке открыть вторую активную комнату для той же пары.
	ErrDuplicateRoom = errors.New("active room already exists for this pair")
	// ErrInvalidTransition возвращается, если действие недопустимо в текущем статусе.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrProposalPending возвращается при попытке создать предложение, пока предыдущее не решено.
	ErrProposalPending = errors.New("another proposal is pending for this room")
	// ErrOutOfStock возвращается, когда остаток купонов шаблона исчерпан.
	ErrOutOfStock = errors.New("coupon quantity exhausted")
	// ErrTemplateNotAccepted возвращается при попытке получить купон по несогласованному шаблону.
	ErrTemplateNotAccepted = errors.New("coupon template is not fully accepted")
	// ErrSelfAcceptance возвращается, если автор предложения пытается принять его первым.
	ErrSelfAcceptance = errors.New("proposer cannot accept own proposal first")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при сбоях сериализации и дедлоках.
// Количество попыток ограничено: устойчивый отказ возвращается вызывающему.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const roomColumns = `id, requester_id, recipient_id, status, partnership_id, created_at, updated_at`

func scanRoom(row pgx.Row) (*model.Room, error) {
	var room model.Room
	var status string
	err := row.Scan(&room.ID, &room.RequesterID, &room.RecipientID, &status,
		&room.PartnershipID, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return nil, err
	}
	room.Status = model.RoomStatus(status)
	return &room, nil
}

// lockRoom блокирует строку комнаты на время транзакции и возвращает её текущее состояние.
func lockRoom(ctx context.Context, tx pgx.Tx, roomID string) (*model.Room, error) {
	room, err := scanRoom(tx.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`,
		roomID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("lock room: %w", err)
	}
	return room, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, roomID string, senderID *int64, mtype model.MessageType, content string) (*model.Message, error) {
	msg := model.Message{
		RoomID:         roomID,
		SenderID:       senderID,
		Type:           mtype,
		Content:        content,
		DeliveryStatus: model.DeliveryStatusSent,
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO messages (room_id, sender_id, type, content, delivery_status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, sent_at`,
		roomID, senderID, string(mtype), content, string(model.DeliveryStatusSent),
	).Scan(&msg.ID, &msg.SentAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return &msg, nil
}

// CreateRoomWithRequest создаёт комнату в статусе WAITING и первое сообщение-запрос.
// Частичный уникальный индекс по неупорядоченной паре участников гарантирует
// не более одной активной комнаты на пару.
func (r *PostgresRepository) CreateRoomWithRequest(ctx context.Context, requesterID, recipientID int64, content string) (*model.Room, *model.Message, error) {
	var room *model.Room
	var msg *model.Message

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		room, err = scanRoom(tx.QueryRow(ctx,
			`INSERT INTO rooms (id, requester_id, recipient_id, status)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+roomColumns,
			uuid.NewString(), requesterID, recipientID, string(model.RoomStatusWaiting),
		))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrDuplicateRoom
			}
			return fmt.Errorf("insert room: %w", err)
		}

		msg, err = insertMessage(ctx, tx, room.ID, &requesterID, model.MessageTypePartnershipRequest, content)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return room, msg, nil
}

// GetRoom возвращает комнату по идентификатору.
func (r *PostgresRepository) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`,
		roomID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// GetRoomsByParty возвращает комнаты, в которых бизнес является участником.
func (r *PostgresRepository) GetRoomsByParty(ctx context.Context, partyID int64) ([]model.Room, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomColumns+`
		 FROM rooms
		 WHERE requester_id = $1 OR recipient_id = $1
		 ORDER BY created_at DESC`,
		partyID,
	)
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()

	var res []model.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		res = append(res, *room)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TransitionRoom переводит комнату в новый статус, если текущий входит в
// разрешённый список, и добавляет системное сообщение в той же транзакции.
func (r *PostgresRepository) TransitionRoom(ctx context.Context, roomID string, from []model.RoomStatus, to model.RoomStatus, sysContent string) (*model.Room, *model.Message, error) {
	var room *model.Room
	var msg *model.Message

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		room, err = lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}

		allowed := false
		for _, s := range from {
			if room.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrInvalidTransition
		}

		room, err = scanRoom(tx.QueryRow(ctx,
			`UPDATE rooms SET status = $2, updated_at = now() WHERE id = $1 RETURNING `+roomColumns,
			roomID, string(to),
		))
		if err != nil {
			return fmt.Errorf("update room status: %w", err)
		}

		msg, err = insertMessage(ctx, tx, roomID, nil, model.MessageTypeSystem, sysContent)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return room, msg, nil
}

// AppendMessage добавляет сообщение в ленту комнаты. Комната блокируется на
// время вставки, поэтому порядок сообщений внутри комнаты монотонен.
func (r *PostgresRepository) AppendMessage(ctx context.Context, roomID string, senderID *int64, mtype model.MessageType, content string) (*model.Message, error) {
	var msg *model.Message

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		room, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}

		if room.Status.Terminal() {
			return ErrInvalidTransition
		}

		msg, err = insertMessage(ctx, tx, roomID, senderID, mtype, content)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

const templateColumns = `id, room_id, partnership_id, proposer_id, applicable_business_id,
	discount_value, total_quantity, current_quantity, start_date, end_date, description,
	accepted_by_requester, accepted_by_recipient, rejected, created_at`

func scanTemplate(row pgx.Row) (*model.CouponTemplate, error) {
	var t model.CouponTemplate
	err := row.Scan(&t.ID, &t.RoomID, &t.PartnershipID, &t.ProposerID, &t.ApplicableBusinessID,
		&t.DiscountValue, &t.TotalQuantity, &t.CurrentQuantity, &t.StartDate, &t.EndDate,
		&t.Description, &t.AcceptedByRequester, &t.AcceptedByRecipient, &t.Rejected, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTemplate создаёт шаблон купона по предложенным условиям и сообщение
// COUPON_PROPOSAL в одной транзакции. Комната должна находиться в статусе
// IN_NEGOTIATION, и в ней не должно быть другого нерешённого предложения.
func (r *PostgresRepository) CreateTemplate(ctx context.Context, roomID string, proposerID int64, terms model.ProposalTerms, msgContent string) (*model.CouponTemplate, *model.Message, error) {
	var tpl *model.CouponTemplate
	var msg *model.Message

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		room, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}

		if room.Status != model.RoomStatusInNegotiation {
			return ErrInvalidTransition
		}

		var pending int
		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM coupon_templates
			 WHERE room_id = $1 AND NOT rejected
			   AND NOT (accepted_by_requester AND accepted_by_recipient)`,
			roomID,
		).Scan(&pending)
		if err != nil {
			return fmt.Errorf("count pending templates: %w", err)
		}
		if pending > 0 {
			return ErrProposalPending
		}

		tpl, err = scanTemplate(tx.QueryRow(ctx,
			`INSERT INTO coupon_templates
			 (room_id, proposer_id, applicable_business_id, discount_value,
			  total_quantity, current_quantity, start_date, end_date, description)
			 VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
			 RETURNING `+templateColumns,
			roomID, proposerID, terms.ApplicableBusinessID, terms.DiscountValue,
			terms.TotalQuantity, terms.StartDate, terms.EndDate, terms.Description,
		))
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}

		msg, err = insertMessage(ctx, tx, roomID, &proposerID, model.MessageTypeCouponProposal, msgContent)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return tpl, msg, nil
}

// GetTemplate возвращает шаблон купона по идентификатору.
func (r *PostgresRepository) GetTemplate(ctx context.Context, templateID int64) (*model.CouponTemplate, error) {
	tpl, err := scanTemplate(r.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM coupon_templates WHERE id = $1`,
		templateID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// AcceptResult описывает результат принятия предложения одной стороной.
type AcceptResult struct {
	Template *model.CouponTemplate
	Room     *model.Room
	// Coupons непустой только при полном согласии: по одному купону на сторону.
	Coupons []model.Coupon
}

// AcceptProposal фиксирует согласие стороны с предложением. Первым принять
// может только контрагент автора; попытка автора принять собственное
// предложение первым завершается ErrSelfAcceptance. Первое согласие
// переводит комнату в ACCEPTED и создаёт запись о партнёрстве, второе —
// выпускает по купону каждой стороне (атомарно с уменьшением остатка на два)
// и завершает комнату статусом COMPLETED.
func (r *PostgresRepository) AcceptProposal(ctx context.Context, templateID, accepterID int64) (*AcceptResult, error) {
	var res *AcceptResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var roomID string
		err = tx.QueryRow(ctx,
			`SELECT room_id FROM coupon_templates WHERE id = $1`,
			templateID,
		).Scan(&roomID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTemplateNotFound
			}
			return fmt.Errorf("get template room: %w", err)
		}

		room, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}

		tpl, err := scanTemplate(tx.QueryRow(ctx,
			`SELECT `+templateColumns+` FROM coupon_templates WHERE id = $1`,
			templateID,
		))
		if err != nil {
			return fmt.Errorf("reload template: %w", err)
		}

		if tpl.Rejected {
			return ErrInvalidTransition
		}
		if room.Status != model.RoomStatusInNegotiation && room.Status != model.RoomStatusAccepted {
			return ErrInvalidTransition
		}

		accepterIsRequester := accepterID == room.RequesterID
		already := tpl.AcceptedByRecipient
		other := tpl.AcceptedByRequester
		if accepterIsRequester {
			already, other = other, already
		}
		if already {
			return ErrInvalidTransition
		}
		if accepterID == tpl.ProposerID && !other {
			return ErrSelfAcceptance
		}

		column := "accepted_by_recipient"
		if accepterIsRequester {
			column = "accepted_by_requester"
		}
		tpl, err = scanTemplate(tx.QueryRow(ctx,
			`UPDATE coupon_templates SET `+column+` = true WHERE id = $1 RETURNING `+templateColumns,
			templateID,
		))
		if err != nil {
			return fmt.Errorf("update acceptance flag: %w", err)
		}

		if !tpl.FullyAccepted() {
			// Первое согласие: партнёрство установлено, комната переходит в ACCEPTED.
			var partnershipID int64
			err = tx.QueryRow(ctx, `SELECT nextval('partnerships_id_seq')`).Scan(&partnershipID)
			if err != nil {
				return fmt.Errorf("next partnership id: %w", err)
			}

			room, err = scanRoom(tx.QueryRow(ctx,
				`UPDATE rooms SET status = $2, partnership_id = $3, updated_at = now()
				 WHERE id = $1 RETURNING `+roomColumns,
				roomID, string(model.RoomStatusAccepted), partnershipID,
			))
			if err != nil {
				return fmt.Errorf("update room to accepted: %w", err)
			}

			tpl, err = scanTemplate(tx.QueryRow(ctx,
				`UPDATE coupon_templates SET partnership_id = $2 WHERE id = $1 RETURNING `+templateColumns,
				templateID, partnershipID,
			))
			if err != nil {
				return fmt.Errorf("set template partnership: %w", err)
			}

			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			res = &AcceptResult{Template: tpl, Room: room}
			return nil
		}

		// Полное согласие: выпускаем по купону каждой стороне. Условное
		// уменьшение остатка — единственная горячая запись системы.
		cmdTag, err := tx.Exec(ctx,
			`UPDATE coupon_templates SET current_quantity = current_quantity - 2
			 WHERE id = $1 AND current_quantity >= 2`,
			templateID,
		)
		if err != nil {
			return fmt.Errorf("decrement quantity: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOutOfStock
		}

		coupons := make([]model.Coupon, 0, 2)
		for _, ownerID := range []int64{room.RequesterID, room.RecipientID} {
			c, err := insertCoupon(ctx, tx, templateID, ownerID, tpl.EndDate)
			if err != nil {
				return err
			}
			coupons = append(coupons, *c)
		}

		room, err = scanRoom(tx.QueryRow(ctx,
			`UPDATE rooms SET status = $2, updated_at = now() WHERE id = $1 RETURNING `+roomColumns,
			roomID, string(model.RoomStatusCompleted),
		))
		if err != nil {
			return fmt.Errorf("update room to completed: %w", err)
		}

		tpl, err = scanTemplate(tx.QueryRow(ctx,
			`SELECT `+templateColumns+` FROM coupon_templates WHERE id = $1`,
			templateID,
		))
		if err != nil {
			return fmt.Errorf("reload template: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		res = &AcceptResult{Template: tpl, Room: room, Coupons: coupons}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// RejectProposal помечает предложение отклонённым. Комната остаётся в
// IN_NEGOTIATION, так что стороны могут предложить новые условия; по
// отклонённому шаблону купоны больше не выпускаются.
func (r *PostgresRepository) RejectProposal(ctx context.Context, templateID int64) (*model.CouponTemplate, *model.Room, error) {
	var tpl *model.CouponTemplate
	var room *model.Room

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var roomID string
		err = tx.QueryRow(ctx,
			`SELECT room_id FROM coupon_templates WHERE id = $1`,
			templateID,
		).Scan(&roomID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTemplateNotFound
			}
			return fmt.Errorf("get template room: %w", err)
		}

		room, err = lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}

		tpl, err = scanTemplate(tx.QueryRow(ctx,
			`SELECT `+templateColumns+` FROM coupon_templates WHERE id = $1`,
			templateID,
		))
		if err != nil {
			return fmt.Errorf("reload template: %w", err)
		}

		// После первого согласия комната уже в ACCEPTED, отклонение невозможно:
		// статусы не откатываются.
		if tpl.Rejected || !tpl.Pending() || room.Status != model.RoomStatusInNegotiation {
			return ErrInvalidTransition
		}

		tpl, err = scanTemplate(tx.QueryRow(ctx,
			`UPDATE coupon_templates SET rejected = true WHERE id = $1 RETURNING `+templateColumns,
			templateID,
		))
		if err != nil {
			return fmt.Errorf("mark template rejected: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return tpl, room, nil
}

func insertCoupon(ctx context.Context, tx pgx.Tx, templateID, ownerID int64, expireDate time.Time) (*model.Coupon, error) {
	c := model.Coupon{
		TemplateID: templateID,
		OwnerID:    ownerID,
		CouponCode: uuid.NewString(),
		Status:     model.CouponStatusIssued,
		ExpireDate: expireDate,
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO coupons (template_id, owner_id, coupon_code, status, expire_date)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, issued_at`,
		templateID, ownerID, c.CouponCode, string(model.CouponStatusIssued), expireDate,
	).Scan(&c.ID, &c.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("insert coupon: %w", err)
	}

	return &c, nil
}

// ClaimCoupon атомарно уменьшает остаток шаблона и выпускает один купон.
// Уменьшение условное (только при current_quantity > 0), поэтому сумма
// успешных получений никогда не превышает общее количество.
func (r *PostgresRepository) ClaimCoupon(ctx context.Context, templateID, ownerID int64) (*model.Coupon, error) {
	var coupon *model.Coupon

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var accepted bool
		var rejected bool
		var endDate time.Time
		err = tx.QueryRow(ctx,
			`SELECT accepted_by_requester AND accepted_by_recipient, rejected, end_date
			 FROM coupon_templates WHERE id = $1`,
			templateID,
		).Scan(&accepted, &rejected, &endDate)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTemplateNotFound
			}
			return fmt.Errorf("get template: %w", err)
		}

		if !accepted || rejected {
			return ErrTemplateNotAccepted
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE coupon_templates SET current_quantity = current_quantity - 1
			 WHERE id = $1 AND current_quantity > 0`,
			templateID,
		)
		if err != nil {
			return fmt.Errorf("decrement quantity: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOutOfStock
		}

		coupon, err = insertCoupon(ctx, tx, templateID, ownerID, endDate)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return coupon, nil
}

const couponColumns = `id, template_id, owner_id, coupon_code, status, issued_at, expire_date, used_at`

func scanCoupon(row pgx.Row) (*model.Coupon, error) {
	var c model.Coupon
	var status string
	err := row.Scan(&c.ID, &c.TemplateID, &c.OwnerID, &c.CouponCode, &status,
		&c.IssuedAt, &c.ExpireDate, &c.UsedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.CouponStatus(status)
	return &c, nil
}

// GetCouponByCode возвращает купон по уникальному коду.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	c, err := scanCoupon(r.pool.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE coupon_code = $1`,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

// UseCoupon погашает купон: ISSUED -> USED с фиксацией момента использования.
func (r *PostgresRepository) UseCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error) {
	c, err := scanCoupon(r.pool.QueryRow(ctx,
		`UPDATE coupons SET status = $3, used_at = now()
		 WHERE coupon_code = $1 AND owner_id = $2 AND status = $4
		 RETURNING `+couponColumns,
		code, ownerID, string(model.CouponStatusUsed), string(model.CouponStatusIssued),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainCouponConflict(ctx, code, ownerID)
		}
		return nil, fmt.Errorf("use coupon: %w", err)
	}
	return c, nil
}

// CancelCoupon отменяет погашение: USED -> CANCELLED, единственный допустимый откат.
func (r *PostgresRepository) CancelCoupon(ctx context.Context, code string, ownerID int64) (*model.Coupon, error) {
	c, err := scanCoupon(r.pool.QueryRow(ctx,
		`UPDATE coupons SET status = $3, used_at = NULL
		 WHERE coupon_code = $1 AND owner_id = $2 AND status = $4
		 RETURNING `+couponColumns,
		code, ownerID, string(model.CouponStatusCancelled), string(model.CouponStatusUsed),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainCouponConflict(ctx, code, ownerID)
		}
		return nil, fmt.Errorf("cancel coupon: %w", err)
	}
	return c, nil
}

// explainCouponConflict различает отсутствие купона и недопустимый переход,
// когда условный UPDATE не затронул ни одной строки.
func (r *PostgresRepository) explainCouponConflict(ctx context.Context, code string, ownerID int64) error {
	var storedOwner int64
	err := r.pool.QueryRow(ctx,
		`SELECT owner_id FROM coupons WHERE coupon_code = $1`,
		code,
	).Scan(&storedOwner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCouponNotFound
		}
		return fmt.Errorf("explain coupon conflict: %w", err)
	}
	if storedOwner != ownerID {
		return ErrCouponNotFound
	}
	return ErrInvalidTransition
}

// ExpireCoupons переводит просроченные купоны из ISSUED в EXPIRED и
// возвращает число затронутых строк.
func (r *PostgresRepository) ExpireCoupons(ctx context.Context, now time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE coupons SET status = $1 WHERE status = $2 AND expire_date < $3`,
		string(model.CouponStatusExpired), string(model.CouponStatusIssued), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire coupons: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// AdvanceDeliveryStatus продвигает статус доставки входящих сообщений
// комнаты для указанного читателя. Статус движется только вперёд:
// SENT -> DELIVERED -> READ, обратных переходов нет.
func (r *PostgresRepository) AdvanceDeliveryStatus(ctx context.Context, roomID string, readerID int64, to model.DeliveryStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET delivery_status = $3
		 WHERE room_id = $1
		   AND (sender_id IS NULL OR sender_id <> $2)
		   AND CASE delivery_status WHEN 'SENT' THEN 0 WHEN 'DELIVERED' THEN 1 ELSE 2 END
		     < CASE $3 WHEN 'SENT' THEN 0 WHEN 'DELIVERED' THEN 1 ELSE 2 END`,
		roomID, readerID, string(to),
	)
	if err != nil {
		return fmt.Errorf("advance delivery status: %w", err)
	}
	return nil
}

// GetMessagesPage возвращает страницу сообщений комнаты в порядке добавления.
func (r *PostgresRepository) GetMessagesPage(ctx context.Context, roomID string, page, pageSize int) ([]model.Message, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE room_id = $1`,
		roomID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, sender_id, type, content, delivery_status, sent_at
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY id
		 LIMIT $2 OFFSET $3`,
		roomID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var res []model.Message
	for rows.Next() {
		var m model.Message
		var mtype, dstatus string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &mtype, &m.Content, &dstatus, &m.SentAt); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		m.Type = model.MessageType(mtype)
		m.DeliveryStatus = model.DeliveryStatus(dstatus)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return res, total, nil
}
