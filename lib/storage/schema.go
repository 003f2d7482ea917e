/*
Copyright 2024 NMP Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

// schema is applied at startup. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_cookies (
		user_id      VARCHAR(50)  NOT NULL,
		username     VARCHAR(255) NOT NULL,
		node_id      VARCHAR(50),
		cookie       TEXT,
		auto_refresh BOOLEAN      NOT NULL DEFAULT FALSE,
		refresh_time DATETIME,
		create_time  DATETIME     NOT NULL,
		PRIMARY KEY (user_id, username)
	)`,
	`CREATE TABLE IF NOT EXISTS user_accounts (
		user_id             VARCHAR(50)  NOT NULL,
		username            VARCHAR(255) NOT NULL,
		website             VARCHAR(255) NOT NULL,
		account             VARCHAR(50)  NOT NULL,
		password            TEXT,
		email               VARCHAR(255),
		registration_method VARCHAR(20)  NOT NULL DEFAULT 'manual',
		auto_generated      BOOLEAN      NOT NULL DEFAULT FALSE,
		logged_out          BOOLEAN      NOT NULL DEFAULT FALSE,
		create_time         DATETIME     NOT NULL,
		PRIMARY KEY (user_id, username, website, account)
	)`,
	`CREATE TABLE IF NOT EXISTS user_security_codes (
		nmp_user_id   VARCHAR(50) NOT NULL,
		nmp_username  VARCHAR(50) NOT NULL,
		domain_id     VARCHAR(50),
		cluster_id    VARCHAR(50),
		channel_id    VARCHAR(50),
		security_code VARCHAR(50),
		create_time   DATETIME    NOT NULL,
		update_time   DATETIME    NOT NULL,
		PRIMARY KEY (nmp_user_id),
		KEY idx_security_code (security_code)
	)`,
}
