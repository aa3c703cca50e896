package repository

// schema creates the engine's tables. Offers and requests are owned by the
// listing service; only the columns read or written here are declared.
//
// transactions is append-only. apply_transaction trigger is the only writer of
// the profile balance columns.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id                UUID PRIMARY KEY,
    email             TEXT NOT NULL UNIQUE,
    display_name      TEXT NOT NULL DEFAULT '',
    is_admin          BOOLEAN NOT NULL DEFAULT FALSE,
    balance           BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    purchased_credits BIGINT NOT NULL DEFAULT 0,
    earned_credits    BIGINT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS offers (
    id            UUID PRIMARY KEY,
    owner_id      UUID NOT NULL REFERENCES profiles(id),
    price         BIGINT NOT NULL CHECK (price > 0),
    quantity      INTEGER CHECK (quantity IS NULL OR quantity >= 0),
    is_physical   BOOLEAN NOT NULL DEFAULT FALSE,
    shipping_cost BIGINT CHECK (shipping_cost IS NULL OR shipping_cost >= 0),
    is_sold_out   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS requests (
    id            UUID PRIMARY KEY,
    owner_id      UUID NOT NULL REFERENCES profiles(id),
    price         BIGINT NOT NULL CHECK (price > 0),
    quantity      INTEGER CHECK (quantity IS NULL OR quantity >= 0),
    is_physical   BOOLEAN NOT NULL DEFAULT FALSE,
    shipping_cost BIGINT CHECK (shipping_cost IS NULL OR shipping_cost >= 0),
    is_sold_out   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS escrows (
    id                    UUID PRIMARY KEY,
    payer_id              UUID NOT NULL REFERENCES profiles(id),
    provider_id           UUID NOT NULL REFERENCES profiles(id),
    credits_held          BIGINT NOT NULL CHECK (credits_held > 0),
    listing_kind          TEXT NOT NULL CHECK (listing_kind IN ('offer', 'request')),
    listing_id            UUID NOT NULL,
    status                TEXT NOT NULL CHECK (status IN ('held', 'delivered', 'confirmed', 'disputed', 'released', 'refunded', 'cancelled')),
    release_available_at  TIMESTAMPTZ NOT NULL,
    payer_confirmed_at    TIMESTAMPTZ,
    provider_confirmed_at TIMESTAMPTZ,
    delivered_at          TIMESTAMPTZ,
    released_at           TIMESTAMPTZ,
    dispute_status        TEXT CHECK (dispute_status IN ('open', 'resolved')),
    dispute_reason        TEXT,
    dispute_reported_at   TIMESTAMPTZ,
    dispute_reported_by   UUID,
    resolved_at           TIMESTAMPTZ,
    admin_note            TEXT,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (payer_id <> provider_id)
);

CREATE INDEX IF NOT EXISTS idx_escrows_listing ON escrows(listing_kind, listing_id);
CREATE INDEX IF NOT EXISTS idx_escrows_payer ON escrows(payer_id);
CREATE INDEX IF NOT EXISTS idx_escrows_provider ON escrows(provider_id);
CREATE INDEX IF NOT EXISTS idx_escrows_release_due ON escrows(release_available_at)
    WHERE status NOT IN ('released', 'refunded', 'disputed', 'cancelled');

CREATE TABLE IF NOT EXISTS transactions (
    id                   UUID PRIMARY KEY,
    user_id              UUID NOT NULL REFERENCES profiles(id),
    amount               BIGINT NOT NULL CHECK (amount <> 0),
    description          TEXT NOT NULL DEFAULT '',
    transaction_type     TEXT NOT NULL,
    credit_source        TEXT CHECK (credit_source IN ('purchased', 'earned', 'refund')),
    can_cashout          BOOLEAN NOT NULL DEFAULT FALSE,
    related_offer_id     UUID,
    related_request_id   UUID,
    related_escrow_id    UUID REFERENCES escrows(id),
    external_payment_ref TEXT,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_payment_ref
    ON transactions(external_payment_ref) WHERE external_payment_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_escrow ON transactions(related_escrow_id);

CREATE OR REPLACE FUNCTION apply_transaction() RETURNS trigger AS $$
BEGIN
    UPDATE profiles SET
        balance = balance + NEW.amount,
        purchased_credits = purchased_credits
            + CASE WHEN NEW.credit_source = 'purchased' THEN NEW.amount ELSE 0 END,
        earned_credits = earned_credits
            + CASE WHEN NEW.credit_source IN ('earned', 'refund') THEN NEW.amount ELSE 0 END,
        updated_at = now()
    WHERE id = NEW.user_id;
    IF NOT FOUND THEN
        RAISE EXCEPTION 'profile % not found', NEW.user_id;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transactions_apply ON transactions;
CREATE TRIGGER transactions_apply AFTER INSERT ON transactions
    FOR EACH ROW EXECUTE FUNCTION apply_transaction();

CREATE OR REPLACE FUNCTION reject_transaction_change() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'transactions are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transactions_immutable ON transactions;
CREATE TRIGGER transactions_immutable BEFORE UPDATE OR DELETE ON transactions
    FOR EACH ROW EXECUTE FUNCTION reject_transaction_change();

CREATE OR REPLACE FUNCTION guard_escrow() RETURNS trigger AS $$
BEGIN
    IF OLD.status IN ('released', 'refunded', 'cancelled') THEN
        RAISE EXCEPTION 'escrow % is final', OLD.id;
    END IF;
    IF NEW.credits_held <> OLD.credits_held
        OR NEW.release_available_at <> OLD.release_available_at
        OR NEW.payer_id <> OLD.payer_id
        OR NEW.provider_id <> OLD.provider_id THEN
        RAISE EXCEPTION 'escrow % immutable fields changed', OLD.id;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS escrows_guard ON escrows;
CREATE TRIGGER escrows_guard BEFORE UPDATE ON escrows
    FOR EACH ROW EXECUTE FUNCTION guard_escrow();
`
