package inventory

// schema is applied in order by Migrate. The stored functions back the REST
// store, which cannot open a transaction of its own.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS daily_inventory (
		pickup_date DATE PRIMARY KEY,
		used_units INTEGER NOT NULL DEFAULT 0 CHECK (used_units >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_reservations (
		id UUID PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		pickup_date DATE NOT NULL,
		units INTEGER NOT NULL CHECK (units > 0),
		status VARCHAR(16) NOT NULL,
		order_id TEXT,
		payment_link_id TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_pending
		ON inventory_reservations (expires_at) WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_order_id ON inventory_reservations (order_id)`,
	`CREATE TABLE IF NOT EXISTS payment_confirmations (
		payment_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		pickup_date DATE NOT NULL,
		units INTEGER NOT NULL,
		reservation_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE OR REPLACE FUNCTION inventory_add_units(p_date DATE, p_delta INTEGER)
	RETURNS INTEGER LANGUAGE sql AS $$
		INSERT INTO daily_inventory (pickup_date, used_units)
		VALUES (p_date, GREATEST(p_delta, 0))
		ON CONFLICT (pickup_date) DO UPDATE
		SET used_units = GREATEST(daily_inventory.used_units + p_delta, 0), updated_at = now()
		RETURNING used_units
	$$`,
	`CREATE OR REPLACE FUNCTION reserve_inventory(
		p_id UUID, p_key TEXT, p_date DATE, p_units INTEGER, p_limit INTEGER, p_expires_at TIMESTAMPTZ
	) RETURNS JSONB LANGUAGE plpgsql AS $$
	DECLARE
		existing inventory_reservations%ROWTYPE;
		new_used INTEGER;
	BEGIN
		SELECT * INTO existing FROM inventory_reservations WHERE idempotency_key = p_key FOR UPDATE;
		IF FOUND THEN
			IF existing.status IN ('PENDING', 'CONFIRMED') THEN
				RETURN jsonb_build_object(
					'outcome', 'existing',
					'id', existing.id,
					'pickup_date', existing.pickup_date,
					'units', existing.units,
					'status', existing.status,
					'order_id', existing.order_id,
					'payment_link_id', existing.payment_link_id,
					'expires_at', existing.expires_at,
					'created_at', existing.created_at,
					'used', COALESCE((SELECT used_units FROM daily_inventory WHERE pickup_date = existing.pickup_date), 0));
			END IF;
			DELETE FROM inventory_reservations WHERE id = existing.id;
		END IF;

		INSERT INTO daily_inventory (pickup_date, used_units)
		SELECT p_date, p_units WHERE p_units <= p_limit
		ON CONFLICT (pickup_date) DO UPDATE
		SET used_units = daily_inventory.used_units + EXCLUDED.used_units, updated_at = now()
		WHERE daily_inventory.used_units + EXCLUDED.used_units <= p_limit
		RETURNING used_units INTO new_used;

		IF new_used IS NULL THEN
			RETURN jsonb_build_object(
				'outcome', 'exceeded',
				'used', COALESCE((SELECT used_units FROM daily_inventory WHERE pickup_date = p_date), 0));
		END IF;

		INSERT INTO inventory_reservations (id, idempotency_key, pickup_date, units, status, expires_at)
		VALUES (p_id, p_key, p_date, p_units, 'PENDING', p_expires_at);

		RETURN jsonb_build_object(
			'outcome', 'reserved',
			'id', p_id,
			'pickup_date', p_date,
			'units', p_units,
			'status', 'PENDING',
			'expires_at', p_expires_at,
			'created_at', now(),
			'used', new_used);
	END;
	$$`,
	`CREATE OR REPLACE FUNCTION release_reservation(
		p_id UUID, p_status TEXT, p_expired_by TIMESTAMPTZ DEFAULT NULL
	) RETURNS JSONB LANGUAGE plpgsql AS $$
	DECLARE
		r inventory_reservations%ROWTYPE;
	BEGIN
		SELECT * INTO r FROM inventory_reservations WHERE id = p_id FOR UPDATE;
		IF NOT FOUND THEN
			RETURN jsonb_build_object('found', false, 'released', false);
		END IF;
		IF r.status <> 'PENDING' OR (p_expired_by IS NOT NULL AND r.expires_at > p_expired_by) THEN
			RETURN jsonb_build_object('found', true, 'released', false);
		END IF;

		UPDATE inventory_reservations SET status = p_status, updated_at = now() WHERE id = p_id;

		RETURN jsonb_build_object(
			'found', true,
			'released', true,
			'date', r.pickup_date,
			'used', inventory_add_units(r.pickup_date, -r.units),
			'delta', -r.units);
	END;
	$$`,
	`CREATE OR REPLACE FUNCTION confirm_payment(
		p_payment_id TEXT, p_order_id TEXT, p_date DATE, p_units INTEGER
	) RETURNS JSONB LANGUAGE plpgsql AS $$
	DECLARE
		r inventory_reservations%ROWTYPE;
		held_used INTEGER;
		new_used INTEGER;
	BEGIN
		INSERT INTO payment_confirmations (payment_id, order_id, pickup_date, units)
		VALUES (p_payment_id, p_order_id, p_date, p_units)
		ON CONFLICT (payment_id) DO NOTHING;
		IF NOT FOUND THEN
			RETURN jsonb_build_object('applied', false);
		END IF;

		SELECT * INTO r FROM inventory_reservations
		WHERE order_id = p_order_id AND status = 'PENDING'
		ORDER BY created_at LIMIT 1 FOR UPDATE;

		IF NOT FOUND THEN
			new_used := inventory_add_units(p_date, p_units);
			RETURN jsonb_build_object('applied', true, 'changes', jsonb_build_array(
				jsonb_build_object('date', p_date, 'used', new_used, 'delta', p_units)));
		END IF;

		UPDATE inventory_reservations SET status = 'CONFIRMED', updated_at = now() WHERE id = r.id;
		UPDATE payment_confirmations SET reservation_id = r.id WHERE payment_id = p_payment_id;

		IF r.pickup_date = p_date THEN
			new_used := inventory_add_units(p_date, p_units - r.units);
			RETURN jsonb_build_object('applied', true, 'reservation_id', r.id, 'changes', jsonb_build_array(
				jsonb_build_object('date', p_date, 'used', new_used, 'delta', p_units - r.units)));
		END IF;

		held_used := inventory_add_units(r.pickup_date, -r.units);
		new_used := inventory_add_units(p_date, p_units);
		RETURN jsonb_build_object('applied', true, 'reservation_id', r.id, 'changes', jsonb_build_array(
			jsonb_build_object('date', r.pickup_date, 'used', held_used, 'delta', -r.units),
			jsonb_build_object('date', p_date, 'used', new_used, 'delta', p_units)));
	END;
	$$`,
}
