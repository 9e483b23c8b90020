package database

// schema is applied statement by statement so the DSN does not need
// multiStatements.
var schema = []string{`
CREATE TABLE IF NOT EXISTS users (
    user_id BIGINT PRIMARY KEY,
    username VARCHAR(255),
    first_name VARCHAR(255),
    last_name VARCHAR(255),
    credits INT NOT NULL DEFAULT 1,
    subscription_active BOOLEAN NOT NULL DEFAULT FALSE,
    subscription_end_date DATETIME(6) NULL,
    created_at DATETIME(6) NOT NULL,
    last_active DATETIME(6) NOT NULL,
    CONSTRAINT chk_users_credits CHECK (credits >= 0)
)`, `
CREATE TABLE IF NOT EXISTS transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    amount DECIMAL(18,8) NOT NULL,
    currency VARCHAR(8) NOT NULL DEFAULT 'USD',
    payment_method VARCHAR(16) NOT NULL,
    external_reference VARCHAR(128) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY uniq_transactions_reference (external_reference),
    KEY idx_transactions_status (status, id),
    FOREIGN KEY (user_id) REFERENCES users(user_id)
)`, `
CREATE TABLE IF NOT EXISTS generations (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    prompt TEXT NOT NULL,
    result_locator TEXT,
    created_at DATETIME(6) NOT NULL,
    KEY idx_generations_user (user_id, created_at),
    FOREIGN KEY (user_id) REFERENCES users(user_id)
)`,
}
